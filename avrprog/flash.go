package avrprog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

type WriteMode int

const (
	ModeFast WriteMode = iota // whole page per 'Z' block write
	ModeSlow                  // two bytes per 'c'/'C' pair
)

func (m WriteMode) String() string {
	if m == ModeSlow {
		return "slow"
	}
	return "fast"
}

func (m WriteMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// All state for one programming run. Nothing outside of this changes
// while pages are written.
type ProgrammingSession struct {
	Mode        WriteMode
	ModeDecided bool // Only ever decided on the first non-blank page
	Start       int
	End         int
	Cursor      int

	PagesWritten int
	PagesSkipped int
	Retries      int

	pageRetries int
	lastFault   error
	retry       backoff.BackOff // reset after every page written
}

type ProgramResult struct {
	Mode         WriteMode
	Start        int
	End          int
	PagesWritten int
	PagesSkipped int
	Retries      int
}

func (s *ProgrammingSession) Result() *ProgramResult {
	return &ProgramResult{
		Mode:         s.Mode,
		Start:        s.Start,
		End:          s.End,
		PagesWritten: s.PagesWritten,
		PagesSkipped: s.PagesSkipped,
		Retries:      s.Retries,
	}
}

type pageOutcome int

const (
	pageWritten   pageOutcome = iota
	pageRetry                 // mode changed, write the same page again
	pageFaulted               // transport fault mid page, link needs a resync
)

// Write image[start:end) to flash, page by page. start and end must be page
// aligned. Pages past the end of the image are treated as blank. The
// context is checked between pages.
func (p *Programmer) ProgramFlash(ctx context.Context, image []byte, start int, end int) (*ProgramResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.programFlash(ctx, image, start, end)
}

func (p *Programmer) checkRange(start int, end int) error {
	pageSize := p.profile.FlashPageSize
	bad := func(reason string) error {
		return &InvalidRange{Start: start, End: end, PageSize: pageSize, Reason: reason}
	}
	if start%pageSize != 0 || end%pageSize != 0 {
		return bad("start or end address does not line up with page size")
	}
	if start < 0 || start > end {
		return bad("start must not be after end")
	}
	if end > p.profile.FlashSize {
		return bad("end is past the end of flash")
	}
	return nil
}

func (p *Programmer) programFlash(ctx context.Context, image []byte, start int, end int) (*ProgramResult, error) {
	if err := p.checkRange(start, end); err != nil {
		return nil, err
	}
	image = PadTo(image, end)
	pageSize := p.profile.FlashPageSize
	session := &ProgrammingSession{
		Mode:   ModeFast,
		Start:  start,
		End:    end,
		Cursor: start,
		retry:  p.retryBackOff(ctx),
	}
	log.Infof("Programming 0x%04X-0x%04X", start, end)

	if err := p.beginProgramming(session); err != nil {
		return nil, err
	}

	for session.Cursor < session.End {
		if err := ctx.Err(); err != nil {
			return session.Result(), fmt.Errorf("programming stopped at 0x%04X: %w", session.Cursor, err)
		}
		page := image[session.Cursor : session.Cursor+pageSize]
		log.Debugf("Writing address 0x%04X", session.Cursor)

		// Blank pages cost nothing but moving the address along
		if IsBlankPage(page) {
			if err := p.setAddress(session.Cursor + pageSize); err != nil {
				return session.Result(), err
			}
			session.PagesSkipped++
			session.Cursor += pageSize
			continue
		}

		var outcome pageOutcome
		var err error
		if session.Mode == ModeFast {
			outcome, err = p.writePageFast(session, page)
		} else {
			outcome, err = p.writePageSlow(session, page)
		}
		if err != nil {
			return session.Result(), err
		}

		switch outcome {
		case pageWritten:
			session.PagesWritten++
			session.pageRetries = 0
			session.retry.Reset()
			session.Cursor += pageSize
		case pageFaulted:
			// Budget is checked before any recovery traffic
			delay := session.retry.NextBackOff()
			if delay == backoff.Stop {
				if err := ctx.Err(); err != nil {
					return session.Result(), fmt.Errorf("programming stopped at 0x%04X: %w", session.Cursor, err)
				}
				return session.Result(), fmt.Errorf("giving up on page 0x%04X after %d retries: %w",
					session.Cursor, session.pageRetries, session.lastFault)
			}
			session.Retries++
			session.pageRetries++
			if err := p.recoverPage(session); err != nil {
				return session.Result(), err
			}
			if err := sleepContext(ctx, delay); err != nil {
				return session.Result(), fmt.Errorf("programming stopped at 0x%04X: %w", session.Cursor, err)
			}
		}
	}

	if err := p.endProgramming(); err != nil {
		return session.Result(), err
	}
	log.Infof("Upload complete: %d pages written, %d blank, %d retries (%s mode)",
		session.PagesWritten, session.PagesSkipped, session.Retries, session.Mode)
	return session.Result(), nil
}

// Light on, make sure autoincrement works (there's no fallback without it),
// enter programming mode, then point at the first page
func (p *Programmer) beginProgramming(session *ProgrammingSession) error {
	if err := p.setIndicator(true); err != nil {
		return err
	}
	cp := NewCommandPass(p.ch)
	cp.Send('a')
	cp.Expect("autoincrement unsupported", AutoIncrementYes, AckTimeout)
	cp.Send('P')
	cp.Expect("enter programming mode", AckByte, AckTimeout)
	if err := cp.Err(); err != nil {
		return err
	}
	return p.setAddress(session.Start)
}

func (p *Programmer) endProgramming() error {
	if err := p.setIndicator(false); err != nil {
		return err
	}
	cp := NewCommandPass(p.ch)
	cp.Send('L')
	cp.Expect("exit", AckByte, AckTimeout)
	return cp.Err()
}

// Block write. The device advances its own address register afterwards.
// The very first page written also decides whether block mode exists.
func (p *Programmer) writePageFast(session *ProgrammingSession, page []byte) (pageOutcome, error) {
	err := p.ch.Write([]byte{'Z'})
	if err == nil && !session.ModeDecided {
		answer, err := p.ch.ReadExact(1, AckTimeout)
		if err != nil {
			// Nothing to resync against before the mode is known
			return pageWritten, fmt.Errorf("block write negotiation: %w", err)
		}
		session.ModeDecided = true
		if len(answer) == 1 && answer[0] == BlockUnsupported {
			log.Infof("Block writes not supported, using byte mode")
			session.Mode = ModeSlow
			return pageRetry, nil
		}
		log.Infof("Using block write mode")
	}
	if err == nil {
		err = p.ch.Write(page)
	}
	if err == nil {
		err = expectByte(p.ch, "fast write", AckByte, AckTimeout)
	}
	if err == nil {
		return pageWritten, nil
	}
	return p.pageFault(session, err)
}

// Transport faults can be retried; anything else ends the session
func (p *Programmer) pageFault(session *ProgrammingSession, err error) (pageOutcome, error) {
	var fault *TransportFault
	if !errors.As(err, &fault) {
		return pageWritten, err
	}
	log.Warnf("%s at address 0x%04X", fault, session.Cursor)
	session.lastFault = fault
	return pageFaulted, nil
}

// Resync the link after a fault and point back at the page being written.
// Byte mode restarts never erase the page, unlike block mode.
func (p *Programmer) recoverPage(session *ProgrammingSession) error {
	log.Warnf("Restarting from address 0x%04X (retry %d)", session.Cursor, session.pageRetries)
	if session.Mode == ModeFast {
		return p.recoverFast(session.Cursor)
	}
	if err := p.drain(); err != nil {
		return err
	}
	return p.setAddress(session.Cursor)
}

// Flush more escapes than a page could ever need so any half-sent frame is
// broken, drain whatever stray answer comes back, then erase the page and
// put the address back.
func (p *Programmer) recoverFast(address int) error {
	if err := p.ch.Write(EscapeSequence(p.profile.FlashPageSize + 5)); err != nil {
		return err
	}
	if err := p.drain(); err != nil {
		return err
	}
	if err := p.setAddress(address); err != nil {
		return err
	}
	cp := NewCommandPass(p.ch)
	cp.Send('E')
	ack := cp.Read(1, AckTimeout)
	if err := cp.Err(); err != nil {
		return err
	}
	if len(ack) != 1 || ack[0] != AckByte {
		log.Warnf("Unexpected answer to page erase at 0x%04X: % X", address, ack)
	}
	return nil
}

// Byte mode: 'c' low, 'C' high for every word, then commit with 'm'.
// Autoincrement can't be trusted after this, so the address is set by hand
// before the commit and again afterwards.
func (p *Programmer) writePageSlow(session *ProgrammingSession, page []byte) (pageOutcome, error) {
	address := session.Cursor
	err := p.writeWords(page)
	if err == nil {
		err = p.setAddress(address)
	}
	if err == nil {
		cp := NewCommandPass(p.ch)
		cp.Send('m')
		// The commit gets its own ack read, on top of the last 'C' ack
		cp.Expect("commit page", AckByte, AckTimeout)
		err = cp.Err()
	}
	if err == nil {
		err = p.setAddress(address + p.profile.FlashPageSize)
	}
	if err == nil {
		return pageWritten, nil
	}
	return p.pageFault(session, err)
}

func (p *Programmer) writeWords(page []byte) error {
	for j := 0; j < len(page); j += 2 {
		if err := p.ch.Write([]byte{'c', page[j]}); err != nil {
			return err
		}
		if err := expectByte(p.ch, "slow write low byte", AckByte, AckTimeout); err != nil {
			return err
		}
		if err := p.ch.Write([]byte{'C', page[j+1]}); err != nil {
			return err
		}
		if err := p.expectHighAck(); err != nil {
			return err
		}
	}
	return nil
}

// The ack for 'C' is sometimes preceded by stray 0x3F bytes; skip a few
func (p *Programmer) expectHighAck() error {
	var last []byte
	for q := 0; q < SlowAckAttempts; q++ {
		b, err := p.ch.ReadExact(1, AckTimeout)
		if err != nil {
			return err
		}
		last = b
		if len(b) != 1 || b[0] != SpuriousAck {
			break
		}
	}
	if len(last) == 1 && last[0] == AckByte {
		return nil
	}
	return &ProtocolFault{Op: "slow write high byte", Got: last, Want: AckByte}
}

// Four escapes, then wait for (and drop) one stray byte. A transport fault
// here means the link itself is gone, so it is returned as fatal.
func (p *Programmer) drain() error {
	if err := p.ch.Write(EscapeSequence(FlushEscapes)); err != nil {
		return err
	}
	if _, err := p.ch.ReadExact(1, DrainTimeout); err != nil {
		return fmt.Errorf("restart after transport fault: %w", err)
	}
	return nil
}

// Retry schedule for one page: doubling from RetryBackoff up to
// MaxRetryBackoff, stopping after MaxRetries (never, if negative) or when
// ctx is done.
func (p *Programmer) retryBackOff(ctx context.Context) backoff.BackOff {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.config.RetryBackoff()
	schedule.Multiplier = 2
	schedule.RandomizationFactor = 0
	schedule.MaxInterval = MaxRetryBackoff
	schedule.MaxElapsedTime = 0
	schedule.Reset()
	var b backoff.BackOff = schedule
	if p.config.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(p.config.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
