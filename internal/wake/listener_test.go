package wake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lukasbauer/voiceloop/internal/settings"
)

// chanDetector returns detections or errors fed through a channel.
type chanDetector struct {
	events   chan error // nil error means a detection
	calls    atomic.Int32
	inFlight atomic.Int32
}

func newChanDetector() *chanDetector {
	return &chanDetector{events: make(chan error)}
}

func (d *chanDetector) Detect(ctx context.Context) (Detection, error) {
	d.calls.Add(1)
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	select {
	case err := <-d.events:
		if err != nil {
			return Detection{}, err
		}
		return Detection{Phrase: "hey friday", Source: "test", At: time.Now()}, nil
	case <-ctx.Done():
		return Detection{}, ctx.Err()
	}
}

type switchPerms struct {
	mic     atomic.Bool
	overlay atomic.Bool
}

func grantedPerms() *switchPerms {
	p := &switchPerms{}
	p.mic.Store(true)
	p.overlay.Store(true)
	return p
}

func (p *switchPerms) MicrophoneGranted(context.Context) bool { return p.mic.Load() }
func (p *switchPerms) OverlayGranted(context.Context) bool    { return p.overlay.Load() }

// fakeLauncher hands out sessions that end when finish is called.
type fakeLauncher struct {
	mu       sync.Mutex
	busy     bool
	err      error
	launches int
	session  chan struct{}
	launched chan struct{}
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(chan struct{}, 10)}
}

func (f *fakeLauncher) Launch(ctx context.Context, d Detection) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.busy {
		return nil, nil
	}
	f.launches++
	f.session = make(chan struct{})
	f.launched <- struct{}{}
	return f.session, nil
}

func (f *fakeLauncher) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.session)
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestListener(d Detector, l Launcher, store settings.Store, perms *switchPerms, clock *testClock) *Listener {
	return NewListener(d, l, store, perms, Config{ErrorBackoff: time.Millisecond}, WithClock(clock.Now))
}

func TestRestore(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		mic     bool
		overlay bool
		want    bool
	}{
		{"enabled with permissions", true, true, true, true},
		{"disabled", false, true, true, false},
		{"microphone missing", true, false, true, false},
		{"overlay missing", true, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := settings.NewMemoryStore()
			settings.SetBool(ctx, store, settings.KeyWakeWordEnabled, tt.enabled)
			perms := &switchPerms{}
			perms.mic.Store(tt.mic)
			perms.overlay.Store(tt.overlay)

			l := newTestListener(newChanDetector(), newFakeLauncher(), store, perms, &testClock{})
			defer l.Stop()

			got, err := l.Restore(ctx)
			if err != nil {
				t.Fatalf("Restore() error = %v", err)
			}
			if got != tt.want || l.Running() != tt.want {
				t.Errorf("Restore() = %v, Running() = %v, want %v", got, l.Running(), tt.want)
			}
			if tt.enabled {
				if mic, _ := settings.GetBool(ctx, store, settings.KeyMicGranted); mic != tt.mic {
					t.Errorf("persisted mic permission = %v, want %v", mic, tt.mic)
				}
			}
		})
	}
}

func TestEnableDisable(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore()
	perms := grantedPerms()
	l := newTestListener(newChanDetector(), newFakeLauncher(), store, perms, &testClock{})

	if err := l.Enable(ctx); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if !l.Running() {
		t.Error("Running() = false after Enable()")
	}
	if on, _ := settings.GetBool(ctx, store, settings.KeyWakeWordEnabled); !on {
		t.Error("enabled flag not persisted")
	}

	if err := l.Disable(ctx); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if l.Running() {
		t.Error("Running() = true after Disable()")
	}
	if on, _ := settings.GetBool(ctx, store, settings.KeyWakeWordEnabled); on {
		t.Error("disabled flag not persisted")
	}

	perms.overlay.Store(false)
	if err := l.Enable(ctx); !errors.Is(err, ErrPermissionMissing) {
		t.Errorf("Enable() without overlay error = %v, want ErrPermissionMissing", err)
	}
	if l.Running() {
		t.Error("listener should not start without permission")
	}
}

func TestListener_LaunchesAndDebounces(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	det := newChanDetector()
	launcher := newFakeLauncher()
	store := settings.NewMemoryStore()
	l := newTestListener(det, launcher, store, grantedPerms(), clock)
	l.Start(ctx)
	defer l.Stop()

	det.events <- nil
	<-launcher.launched

	// The loop waits for the session; the detector is not consulted.
	calls := det.calls.Load()
	time.Sleep(10 * time.Millisecond)
	if det.calls.Load() != calls {
		t.Error("detector ran while a session was active")
	}
	launcher.finish()

	// Within the debounce window after the session ended.
	clock.Advance(time.Second)
	det.events <- nil

	// Past the window.
	clock.Advance(2 * time.Second)
	det.events <- nil
	<-launcher.launched
	launcher.finish()

	if n := launcher.count(); n != 2 {
		t.Errorf("launches = %d, want 2", n)
	}
	if v, err := store.Get(ctx, settings.KeyLastWakeTriggered); err != nil || v == "" {
		t.Errorf("last trigger not persisted: %q, %v", v, err)
	}
}

func TestListener_IgnoresWhenBusy(t *testing.T) {
	det := newChanDetector()
	launcher := newFakeLauncher()
	launcher.busy = true
	l := newTestListener(det, launcher, settings.NewMemoryStore(), grantedPerms(), &testClock{})
	l.Start(context.Background())
	defer l.Stop()

	det.events <- nil
	det.events <- nil // accepted only once the loop moved on

	if n := launcher.count(); n != 0 {
		t.Errorf("launches = %d, want 0", n)
	}
	if !l.Running() {
		t.Error("busy sessions must not stop the loop")
	}
}

func TestListener_SurvivesErrors(t *testing.T) {
	det := newChanDetector()
	launcher := newFakeLauncher()
	launcher.err = errors.New("no status client")
	l := newTestListener(det, launcher, settings.NewMemoryStore(), grantedPerms(), &testClock{})
	l.Start(context.Background())
	defer l.Stop()

	det.events <- errors.New("device hiccup")
	det.events <- nil // launch fails
	det.events <- errors.New("device hiccup")

	if !l.Running() {
		t.Error("errors must not stop the loop")
	}
}

func TestListener_StopsWhenPermissionRevoked(t *testing.T) {
	det := newChanDetector()
	perms := grantedPerms()
	l := newTestListener(det, newFakeLauncher(), settings.NewMemoryStore(), perms, &testClock{})
	l.Start(context.Background())
	defer l.Stop()

	waitUntil(t, func() bool { return det.calls.Load() >= 1 })
	perms.mic.Store(false)
	select {
	case det.events <- errors.New("mic lost"):
	case <-time.After(2 * time.Second):
		t.Fatal("detector never received the error")
	}

	waitUntil(t, func() bool { return !l.Running() })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}

// countingStore counts writes per key.
type countingStore struct {
	settings.Store
	mu     sync.Mutex
	writes map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{Store: settings.NewMemoryStore(), writes: map[string]int{}}
}

func (s *countingStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.writes[key]++
	s.mu.Unlock()
	return s.Store.Set(ctx, key, value)
}

func (s *countingStore) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[key]
}

func TestListener_PersistsPermissionsOnChange(t *testing.T) {
	ctx := context.Background()
	det := newChanDetector()
	perms := grantedPerms()
	store := newCountingStore()
	l := newTestListener(det, newFakeLauncher(), store, perms, &testClock{})
	l.Start(ctx)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		det.events <- errors.New("device hiccup")
	}
	waitUntil(t, func() bool { return det.calls.Load() >= 4 })

	if n := store.count(settings.KeyMicGranted); n != 1 {
		t.Errorf("microphone flag written %d times over 4 iterations, want 1", n)
	}
	if n := store.count(settings.KeyOverlayGranted); n != 1 {
		t.Errorf("overlay flag written %d times over 4 iterations, want 1", n)
	}

	perms.overlay.Store(false)
	det.events <- errors.New("device hiccup")
	waitUntil(t, func() bool { return !l.Running() })

	if n := store.count(settings.KeyOverlayGranted); n != 2 {
		t.Errorf("overlay flag written %d times after revocation, want 2", n)
	}
	if on, _ := settings.GetBool(ctx, store, settings.KeyOverlayGranted); on {
		t.Error("persisted overlay permission = true, want false")
	}
}

func TestListener_Suspend(t *testing.T) {
	det := newChanDetector()
	launcher := newFakeLauncher()
	l := newTestListener(det, launcher, settings.NewMemoryStore(), grantedPerms(), &testClock{})
	l.Start(context.Background())
	defer l.Stop()

	waitUntil(t, func() bool { return det.inFlight.Load() == 1 })

	release := l.Suspend()
	if n := det.inFlight.Load(); n != 0 {
		t.Fatalf("detectors in flight after Suspend() = %d, want 0", n)
	}
	if !l.Suspended() {
		t.Error("Suspended() = false while held")
	}
	again := l.Suspend()

	calls := det.calls.Load()
	time.Sleep(10 * time.Millisecond)
	if got := det.calls.Load(); got != calls {
		t.Errorf("detector calls while suspended = %d, want %d", got, calls)
	}

	release()
	release()
	time.Sleep(10 * time.Millisecond)
	if got := det.calls.Load(); got != calls {
		t.Errorf("detector resumed with a hold outstanding: calls = %d, want %d", got, calls)
	}

	again()
	waitUntil(t, func() bool { return det.inFlight.Load() == 1 })
	if l.Suspended() {
		t.Error("Suspended() = true after every release")
	}
	if !l.Running() {
		t.Error("Suspend must not stop the loop")
	}

	det.events <- nil
	<-launcher.launched
	launcher.finish()
	if n := launcher.count(); n != 1 {
		t.Errorf("launches after resume = %d, want 1", n)
	}
}

func TestSuspend_StoppedListener(t *testing.T) {
	l := newTestListener(newChanDetector(), newFakeLauncher(), settings.NewMemoryStore(), grantedPerms(), &testClock{})
	release := l.Suspend()
	if !l.Suspended() {
		t.Error("Suspended() = false while held")
	}
	release()
	if l.Suspended() {
		t.Error("Suspended() = true after release")
	}
}

func TestListener_StopIsIdempotent(t *testing.T) {
	l := newTestListener(newChanDetector(), newFakeLauncher(), settings.NewMemoryStore(), grantedPerms(), &testClock{})
	l.Stop()
	l.Start(context.Background())
	l.Start(context.Background())
	l.Stop()
	l.Stop()
	if l.Running() {
		t.Error("Running() = true after Stop()")
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	store := settings.NewMemoryStore()
	settings.SetBool(ctx, store, settings.KeyWakeWordEnabled, true)
	perms := grantedPerms()
	perms.overlay.Store(false)
	l := newTestListener(newChanDetector(), newFakeLauncher(), store, perms, &testClock{})

	st, err := l.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	want := Status{Enabled: true, MicGranted: true}
	if st != want {
		t.Errorf("Status() = %+v, want %+v", st, want)
	}
}
