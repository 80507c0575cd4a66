package browser

import (
	"bufio"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/owlbrowser/owld/internal/transport"
	"github.com/rs/zerolog"
)

// scannerWindow bounds how much of an unterminated line the scanner will
// accumulate before giving up and scanning what it has. Legitimate
// diagnostic lines are short; this only protects against a misbehaving
// child that never emits a newline.
const scannerWindow = 16 * 1024

var licenseMarker = regexp.MustCompile(`(?i)(LICENSE REQUIRED|License validation failed|license to run)`)

// upgradeMarker recognizes the transport-upgrade advertisement wherever it
// appears — the diagnostics stream is its normal home, but the pipe
// transport applies the identical pattern to the response stream per the
// "first observer wins" rule.
var upgradeMarker = regexp.MustCompile(`MULTI_IPC_READY\s+(\S+)`)

// Scanner drains the child's diagnostic stream line by line, recognizing
// the three signals the supervisor's state machine depends on. Matching is
// whole-line (or, for the upgrade marker, a distinct token within a line)
// rather than raw substring search, so a bare "READY" line is never
// confused with the longer "MULTI_IPC_READY ..." line.
type Scanner struct {
	upgrade *transport.UpgradeSignal
	log     zerolog.Logger

	readyOnce   sync.Once
	licenseOnce sync.Once

	OnReady        func()
	OnLicenseError func(detail string)
	OnUpgrade      func(sockPath string)
}

// NewScanner builds a scanner sharing upgrade with the pipe transport so
// whichever of them observes the marker first wins the race.
func NewScanner(upgrade *transport.UpgradeSignal, log zerolog.Logger) *Scanner {
	return &Scanner{
		upgrade: upgrade,
		log:     log.With().Str("component", "scanner").Logger(),
	}
}

// Run drains r until it returns an error (typically EOF on process exit).
// It is meant to be launched as its own goroutine by the supervisor.
func (s *Scanner) Run(r io.Reader) {
	reader := bufio.NewReaderSize(r, scannerWindow)
	var window []byte

	for {
		chunk, err := reader.ReadSlice('\n')
		window = append(window, chunk...)
		if err == bufio.ErrBufferFull {
			// A full buffer without a newline is not an end of stream; the
			// window check below bounds how much of it is kept.
			err = nil
		}

		for {
			idx := indexOf(window, '\n')
			if idx < 0 {
				break
			}
			line := window[:idx]
			window = window[idx+1:]
			s.processLine(line)
		}

		if len(window) > scannerWindow {
			// No newline within the window budget: scan what we have as a
			// best effort and drop it, rather than growing unbounded.
			s.processLine(window)
			window = nil
		}

		if err != nil {
			if len(window) > 0 {
				s.processLine(window)
			}
			return
		}
	}
}

func indexOf(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (s *Scanner) processLine(line []byte) {
	text := strings.TrimRight(string(line), "\r")

	if m := upgradeMarker.FindStringSubmatch(text); m != nil {
		if path, won := s.upgrade.Fire(m[1]); won && s.OnUpgrade != nil {
			s.OnUpgrade(path)
		}
		return
	}

	if text == "READY" {
		s.readyOnce.Do(func() {
			if s.OnReady != nil {
				s.OnReady()
			}
		})
		return
	}

	if licenseMarker.MatchString(text) {
		s.licenseOnce.Do(func() {
			if s.OnLicenseError != nil {
				s.OnLicenseError(text)
			}
		})
		return
	}

	if text != "" {
		s.log.Debug().Str("line", text).Msg("diagnostic")
	}
}
