package transport

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/owlbrowser/owld/internal/rpc"
	"github.com/rs/zerolog"
)

// maxLineSize bounds the line-buffered accumulator used to read responses.
// Screenshot-sized results can be large, so this is deliberately generous.
const maxLineSize = 8 * 1024 * 1024

// reapInterval is how often the reaper goroutine sweeps the registry for
// expired requests. The original single cooperative I/O loop would call
// reap-expired on every iteration of a non-blocking select; a blocking
// bufio.Reader can't interleave that directly, so a dedicated low-overhead
// ticker goroutine stands in for it.
const reapInterval = 20 * time.Millisecond

// upgradeOnResponse recognizes the transport-upgrade advertisement if it
// arrives on the response stream, ahead of the pool becoming active.
var upgradeOnResponse = regexp.MustCompile(`MULTI_IPC_READY\s+(\S+)`)

// Pipe is the single-stream multiplexer over the child's command and
// response pipes. One dedicated reader goroutine owns response demuxing;
// one dedicated writer goroutine drains the ordered write queue; one
// reaper goroutine sweeps expired requests on a ticker. This is the
// idiomatic-Go rendition of the spec's "single cooperative I/O loop."
type Pipe struct {
	cmdIn   io.WriteCloser
	respOut io.ReadCloser

	registry *rpc.Registry
	queue    *writeQueue
	upgrade  *UpgradeSignal

	// OnFatal is invoked once when the response stream hits EOF or a read
	// error, or a write to the command stream fails, before the transport
	// has been closed. It is not invoked after a deliberate Close. The
	// supervisor wires this to its own state transition.
	OnFatal func(error)

	// OnUpgrade is invoked when this transport (rather than the
	// diagnostics scanner) wins the upgrade race.
	OnUpgrade func(sockPath string)

	log zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewPipe wraps the child's stdin/stdout streams.
func NewPipe(cmdIn io.WriteCloser, respOut io.ReadCloser, registry *rpc.Registry, upgrade *UpgradeSignal, log zerolog.Logger) *Pipe {
	return &Pipe{
		cmdIn:    cmdIn,
		respOut:  respOut,
		registry: registry,
		queue:    newWriteQueue(),
		upgrade:  upgrade,
		log:      log.With().Str("transport", "pipe").Logger(),
		done:     make(chan struct{}),
	}
}

// Run starts the reader, writer and reaper goroutines and blocks until ctx
// is cancelled, then closes the transport and waits for all three.
func (p *Pipe) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		p.readLoop()
	}()
	go func() {
		defer wg.Done()
		p.writeLoop()
	}()
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()

	<-ctx.Done()
	p.Close()
	wg.Wait()
}

// Enqueue appends a marshaled envelope (without trailing newline) to the
// ordered write queue; the writer goroutine appends the newline on write.
func (p *Pipe) Enqueue(envelope []byte) {
	p.queue.push(envelope)
}

// Close stops all three goroutines; safe to call more than once.
func (p *Pipe) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.queue.close()
		_ = p.cmdIn.Close()
		_ = p.respOut.Close()
	})
}

func (p *Pipe) writeLoop() {
	for {
		item, ok := p.queue.pop()
		if !ok {
			return
		}
		item = append(item, '\n')
		if _, err := p.cmdIn.Write(item); err != nil {
			p.log.Warn().Err(err).Msg("write to child failed")
			// A write failure on the command stream is as fatal as a
			// response-stream EOF: the child can no longer be reached.
			p.fail(err)
			return
		}
	}
}

func (p *Pipe) readLoop() {
	reader := bufio.NewReaderSize(p.respOut, maxLineSize)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			p.processLine(line)
		}
		if err != nil {
			if err != io.EOF {
				p.log.Warn().Err(err).Msg("response stream read error")
			} else {
				p.log.Info().Msg("response stream EOF")
			}
			p.fail(err)
			return
		}
	}
}

func (p *Pipe) processLine(line []byte) {
	// Per the open question on marker precedence: the response stream may
	// carry the upgrade advertisement before the pool exists. First
	// observer (scanner or this loop) wins; the second call is a no-op.
	if m := upgradeOnResponse.FindSubmatch(line); m != nil {
		if path, won := p.upgrade.Fire(string(m[1])); won && p.OnUpgrade != nil {
			p.OnUpgrade(path)
		}
		return
	}

	fields, err := rpc.ScanTopLevelFields(line)
	if err != nil {
		p.log.Warn().Err(err).Bytes("line", line).Msg("malformed response line")
		return
	}

	idRaw, ok := fields["id"]
	if !ok {
		return
	}
	id, ok := parseUint32(idRaw)
	if !ok || id == 0 {
		// id 0 is reserved for the shutdown sentinel and expects no
		// response; ignore silently.
		return
	}

	pr, ok := p.registry.Remove(id)
	if !ok {
		// Late or duplicate response for an id we've already completed
		// (timeout, cancel, or an earlier response) — dropped silently.
		return
	}

	if errRaw, ok := fields["error"]; ok {
		pr.CompleteError(unquoteJSONString(errRaw))
		return
	}
	pr.CompleteResult(fields["result"])
}

func (p *Pipe) reapLoop(ctx context.Context) {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case now := <-t.C:
			p.registry.ReapExpired(now)
		}
	}
}

func (p *Pipe) fail(err error) {
	select {
	case <-p.done:
		// Already closed, deliberately or by the other loop's failure;
		// the fatal path has already run or does not apply.
		return
	default:
	}
	p.Close()
	n := p.registry.FailAll(rpc.ErrBrowserStopped)
	if p.log.GetLevel() <= zerolog.InfoLevel {
		p.log.Info().Int("failed_pending", n).Msg("pipe transport fatal, failed all pending")
	}
	if p.OnFatal != nil {
		p.OnFatal(err)
	}
}
