package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/gen2brain/beeep"
)

// Sink renders notifications. Implementations may fail or panic; the
// Dispatcher contains both.
type Sink interface {
	PlaySound() error
	Notify(title, body string) error
	SetTitle(title string) error
}

// BeeepSink plays the system beep and raises desktop notifications through
// beeep. Titles are written to Out as a terminal title escape when set.
type BeeepSink struct {
	Icon string
	Out  io.Writer
}

func (s *BeeepSink) PlaySound() error {
	return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
}

func (s *BeeepSink) Notify(title, body string) error {
	return beeep.Notify(title, body, s.Icon)
}

func (s *BeeepSink) SetTitle(title string) error {
	if s.Out == nil {
		return nil
	}
	_, err := fmt.Fprintf(s.Out, "\x1b]0;%s\x07", title)
	return err
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) PlaySound() error { return nil }
func (NopSink) Notify(string, string) error { return nil }
func (NopSink) SetTitle(string) error { return nil }

// Notification is one recorded system notification.
type Notification struct {
	Title string
	Body  string
}

// RecordingSink keeps every call for inspection.
type RecordingSink struct {
	mu            sync.Mutex
	sounds        int
	notifications []Notification
	titles        []string
}

func (r *RecordingSink) PlaySound() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sounds++
	return nil
}

func (r *RecordingSink) Notify(title, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, Notification{Title: title, Body: body})
	return nil
}

func (r *RecordingSink) SetTitle(title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return nil
}

// Sounds returns how many sounds were played.
func (r *RecordingSink) Sounds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sounds
}

// Notifications returns the recorded notifications.
func (r *RecordingSink) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

// Titles returns every title set, oldest first.
func (r *RecordingSink) Titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

// LastTitle returns the most recent title, or "".
func (r *RecordingSink) LastTitle() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.titles) == 0 {
		return ""
	}
	return r.titles[len(r.titles)-1]
}
