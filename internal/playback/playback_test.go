package playback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/tutorchat/internal/playback"
	"github.com/MrWong99/tutorchat/pkg/audio"
	"github.com/MrWong99/tutorchat/pkg/audio/mock"
)

func clip(id string) audio.Clip {
	return audio.Clip{MessageID: id, Data: []byte{0xFF, 0xFB}, ContentType: audio.DefaultContentType}
}

// reports captures every Report in a buffered channel.
func reports(c *playback.Controller) chan playback.Report {
	ch := make(chan playback.Report, 16)
	c.OnReport(func(r playback.Report) { ch <- r })
	return ch
}

func nextReport(t *testing.T, ch chan playback.Report) playback.Report {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for playback report")
		return playback.Report{}
	}
}

func waitStarted(t *testing.T, p *mock.Player) audio.Clip {
	t.Helper()
	select {
	case c := <-p.Started:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for playback to start")
		return audio.Clip{}
	}
}

func TestPlay_ReportsPlayed(t *testing.T) {
	p := &mock.Player{}
	c := playback.New(p)
	ch := reports(c)

	c.Play(clip("m1"))
	r := nextReport(t, ch)
	if r.MessageID != "m1" || r.Outcome != playback.OutcomePlayed {
		t.Errorf("report = %+v, want played m1", r)
	}
	if _, playing := c.Playing(); playing {
		t.Error("controller still playing after clip finished")
	}
}

func TestPlay_StopsPreviousBeforeNext(t *testing.T) {
	p := &mock.Player{Block: true, Started: make(chan audio.Clip, 4)}
	c := playback.New(p)
	ch := reports(c)

	c.Play(clip("first"))
	waitStarted(t, p)

	c.Play(clip("second"))
	if got := waitStarted(t, p); got.MessageID != "second" {
		t.Fatalf("started %q, want second", got.MessageID)
	}

	r := nextReport(t, ch)
	if r.MessageID != "first" || r.Outcome != playback.OutcomeStopped {
		t.Errorf("first report = %+v, want stopped", r)
	}
	if p.Peak() != 1 {
		t.Errorf("peak concurrent playbacks = %d, want 1", p.Peak())
	}
	if id, playing := c.Playing(); !playing || id != "second" {
		t.Errorf("Playing() = %q, %v", id, playing)
	}
	c.Stop()
}

func TestStop_Idempotent(t *testing.T) {
	p := &mock.Player{Block: true, Started: make(chan audio.Clip, 1)}
	c := playback.New(p)
	ch := reports(c)

	c.Stop()
	c.Play(clip("m1"))
	waitStarted(t, p)

	c.Stop()
	c.Stop()

	r := nextReport(t, ch)
	if r.Outcome != playback.OutcomeStopped {
		t.Errorf("outcome = %s, want stopped", r.Outcome)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected extra report %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	if calls := p.Calls(); len(calls) != 1 || !calls[0].Cancelled {
		t.Errorf("calls = %+v, want one cancelled playback", calls)
	}
}

func TestRetry_AfterBlocked(t *testing.T) {
	p := &mock.Player{BlockedUntilGesture: true}
	c := playback.New(p)
	ch := reports(c)

	c.Play(clip("m1"))
	r := nextReport(t, ch)
	if r.Outcome != playback.OutcomeBlocked || !errors.Is(r.Err, playback.ErrPlaybackBlocked) {
		t.Fatalf("report = %+v, want blocked", r)
	}

	c.Retry(clip("m1"))
	r = nextReport(t, ch)
	if r.MessageID != "m1" || r.Outcome != playback.OutcomePlayed {
		t.Errorf("retry report = %+v, want played", r)
	}
}

func TestPlay_PlayerError(t *testing.T) {
	p := &mock.Player{PlayError: errors.New("device busy")}
	c := playback.New(p)
	ch := reports(c)

	c.Play(clip("m1"))
	if r := nextReport(t, ch); r.Outcome != playback.OutcomeFailed || r.Err == nil {
		t.Errorf("report = %+v, want failed", r)
	}
}

func TestPlay_EmptyClipIgnored(t *testing.T) {
	p := &mock.Player{}
	c := playback.New(p)
	c.Play(audio.Clip{MessageID: "m1"})
	if len(p.Calls()) != 0 {
		t.Error("empty clip reached the player")
	}
}

func TestClose(t *testing.T) {
	p := &mock.Player{Block: true, Started: make(chan audio.Clip, 1)}
	c := playback.New(p)
	c.Play(clip("m1"))
	waitStarted(t, p)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	c.Play(clip("m2"))
	if calls := p.Calls(); len(calls) != 1 || !calls[0].Cancelled {
		t.Errorf("calls = %+v, want only the cancelled first playback", calls)
	}
	if p.CallCountClose != 1 {
		t.Errorf("player closed %d times, want 1", p.CallCountClose)
	}
}
