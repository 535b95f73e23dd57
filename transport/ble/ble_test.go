package ble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/kabili207/beetlelink/transport"
)

// fakeClient serves a fixed profile and records writes.
type fakeClient struct {
	mu           sync.Mutex
	profile      *goble.Profile
	handler      goble.NotificationHandler
	subscribed   *goble.Characteristic
	written      [][]byte
	noRsp        []bool
	writeErr     error
	subscribeErr error
	cancelled    int
	disconnected chan struct{}
	once         sync.Once
}

func newFakeClient(prof *goble.Profile) *fakeClient {
	return &fakeClient{profile: prof, disconnected: make(chan struct{})}
}

func (f *fakeClient) DiscoverProfile(bool) (*goble.Profile, error) {
	return f.profile, nil
}

func (f *fakeClient) Subscribe(c *goble.Characteristic, _ bool, h goble.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed, f.handler = c, h
	return nil
}

func (f *fakeClient) WriteCharacteristic(_ *goble.Characteristic, v []byte, noRsp bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), v...))
	f.noRsp = append(f.noRsp, noRsp)
	return nil
}

func (f *fakeClient) CancelConnection() error {
	f.mu.Lock()
	f.cancelled++
	f.mu.Unlock()
	f.drop()
	return nil
}

func (f *fakeClient) Disconnected() <-chan struct{} { return f.disconnected }

func (f *fakeClient) drop() { f.once.Do(func() { close(f.disconnected) }) }

func (f *fakeClient) notify(b []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(b)
}

func beetleProfile(svc, char string) *goble.Profile {
	return &goble.Profile{Services: []*goble.Service{
		{UUID: goble.MustParse("1800"), Characteristics: []*goble.Characteristic{{UUID: goble.MustParse("2a00")}}},
		{UUID: goble.MustParse(svc), Characteristics: []*goble.Characteristic{
			{UUID: goble.MustParse("dfb2")},
			{UUID: goble.MustParse(char)},
		}},
	}}
}

func newTestLink(fc *fakeClient) *Link {
	l := New(Config{Address: "50:F1:4A:DA:C7:9F"})
	l.dialFn = func(context.Context, string) (client, error) { return fc, nil }
	return l
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{Address: "50:F1:4A:DA:C7:9F"})
	if l.cfg.Service != DefaultService || l.cfg.Characteristic != DefaultCharacteristic {
		t.Errorf("uuids = %q/%q", l.cfg.Service, l.cfg.Characteristic)
	}
	if l.cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", l.cfg.ConnectTimeout, DefaultConnectTimeout)
	}
	if l.IsConnected() {
		t.Error("new link should not be connected")
	}
	select {
	case <-l.Done():
	default:
		t.Error("Done of an unconnected link should be closed")
	}
}

func TestConnect_NoAddress(t *testing.T) {
	if err := New(Config{}).Connect(context.Background()); !errors.Is(err, transport.ErrLinkUnavailable) {
		t.Errorf("Connect() error = %v, want %v", err, transport.ErrLinkUnavailable)
	}
}

func TestConnect_DialFails(t *testing.T) {
	l := New(Config{Address: "50:F1:4A:DA:C7:9F"})
	l.dialFn = func(context.Context, string) (client, error) { return nil, errors.New("can't dial") }
	if err := l.Connect(context.Background()); !errors.Is(err, transport.ErrLinkUnavailable) {
		t.Errorf("Connect() error = %v, want %v", err, transport.ErrLinkUnavailable)
	}
}

func TestConnect_FindsCharacteristic(t *testing.T) {
	tests := []struct {
		name      string
		svc, char string
	}{
		{"full uuids", DefaultService, DefaultCharacteristic},
		{"short uuids", "dfb0", "dfb1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeClient(beetleProfile(tt.svc, tt.char))
			l := newTestLink(fc)
			if err := l.Connect(context.Background()); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			defer l.Close()
			if fc.subscribed == nil || !widen(fc.subscribed.UUID).Equal(goble.MustParse(DefaultCharacteristic)) {
				t.Errorf("subscribed = %v, want the serial characteristic", fc.subscribed)
			}
		})
	}
}

func TestConnect_MissingCharacteristic(t *testing.T) {
	fc := newFakeClient(beetleProfile("dfb0", "dfb3"))
	l := newTestLink(fc)
	if err := l.Connect(context.Background()); !errors.Is(err, transport.ErrLinkUnavailable) {
		t.Fatalf("Connect() error = %v, want %v", err, transport.ErrLinkUnavailable)
	}
	if fc.cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", fc.cancelled)
	}
}

func TestConnect_SubscribeFails(t *testing.T) {
	fc := newFakeClient(beetleProfile("dfb0", "dfb1"))
	fc.subscribeErr = errors.New("no cccd")
	l := newTestLink(fc)
	if err := l.Connect(context.Background()); !errors.Is(err, transport.ErrLinkUnavailable) {
		t.Fatalf("Connect() error = %v, want %v", err, transport.ErrLinkUnavailable)
	}
	if l.IsConnected() || fc.cancelled != 1 {
		t.Errorf("connected = %v cancelled = %d", l.IsConnected(), fc.cancelled)
	}
}

func TestNotifications_Forwarded(t *testing.T) {
	fc := newFakeClient(beetleProfile("dfb0", "dfb1"))
	l := newTestLink(fc)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	buf := []byte{'A', 3, 0}
	fc.notify(buf)
	buf[0] = 'X' // the stack reuses its buffer

	select {
	case chunk := <-l.Notifications():
		if !bytes.Equal(chunk, []byte{'A', 3, 0}) {
			t.Errorf("chunk = %v", chunk)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not forwarded")
	}
}

func TestWrite_WithoutResponse(t *testing.T) {
	fc := newFakeClient(beetleProfile("dfb0", "dfb1"))
	l := newTestLink(fc)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.Write([]byte{'S', 0}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.written) != 1 || !bytes.Equal(fc.written[0], []byte{'S', 0}) || !fc.noRsp[0] {
		t.Errorf("written = %v noRsp = %v", fc.written, fc.noRsp)
	}
}

func TestWrite_NotConnected(t *testing.T) {
	l := New(Config{Address: "50:F1:4A:DA:C7:9F"})
	if err := l.Write([]byte{1}); !errors.Is(err, transport.ErrLinkDisconnected) {
		t.Errorf("Write() error = %v, want %v", err, transport.ErrLinkDisconnected)
	}
}

func TestWriteError_ClosesDone(t *testing.T) {
	fc := newFakeClient(beetleProfile("dfb0", "dfb1"))
	l := newTestLink(fc)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	done := l.Done()

	fc.mu.Lock()
	fc.writeErr = errors.New("att: timeout")
	fc.mu.Unlock()
	if err := l.Write([]byte{1}); !errors.Is(err, transport.ErrLinkDisconnected) {
		t.Errorf("Write() error = %v, want %v", err, transport.ErrLinkDisconnected)
	}
	select {
	case <-done:
	default:
		t.Fatal("Done not closed after write failure")
	}
}

func TestDisconnect_ClosesDone(t *testing.T) {
	fc := newFakeClient(beetleProfile("dfb0", "dfb1"))
	l := newTestLink(fc)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	done := l.Done()

	fc.drop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Done not closed after disconnect")
	}
	if l.IsConnected() {
		t.Error("link should be down after disconnect")
	}
	if err := l.Write([]byte{1}); !errors.Is(err, transport.ErrLinkDisconnected) {
		t.Errorf("Write() error = %v, want %v", err, transport.ErrLinkDisconnected)
	}
}

func TestClose_Reconnect(t *testing.T) {
	var clients []*fakeClient
	l := New(Config{Address: "50:F1:4A:DA:C7:9F"})
	l.dialFn = func(context.Context, string) (client, error) {
		fc := newFakeClient(beetleProfile("dfb0", "dfb1"))
		clients = append(clients, fc)
		return fc, nil
	}

	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := l.Done()
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-first:
	default:
		t.Fatal("Done should be closed after Close")
	}

	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	defer l.Close()
	if len(clients) != 2 || clients[0].cancelled == 0 {
		t.Errorf("dials = %d, first cancelled = %d", len(clients), clients[0].cancelled)
	}
	select {
	case <-l.Done():
		t.Error("Done of the new connection should be open")
	default:
	}
}
