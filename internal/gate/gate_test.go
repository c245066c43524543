package gate

import (
	"context"
	"net"
	"testing"
	"time"
)

type fakeStore struct {
	keys    map[string]bool
	pending []string // added on the next successful sync
	syncOK  bool
	syncs   int
}

func (f *fakeStore) Contains(key string) bool { return f.keys[key] }

func (f *fakeStore) Sync(context.Context) bool {
	f.syncs++
	if !f.syncOK {
		return false
	}
	for _, k := range f.pending {
		f.keys[k] = true
	}
	f.pending = nil
	return true
}

type link bool

func (l link) Online(context.Context) bool { return bool(l) }

func TestAdmit(t *testing.T) {
	cases := []struct {
		name      string
		known     bool
		pending   bool
		syncOK    bool
		online    bool
		want      Decision
		wantSyncs int
	}{
		{name: "known key", known: true, online: true, syncOK: true, want: Granted, wantSyncs: 0},
		{name: "enrolled remotely", pending: true, online: true, syncOK: true, want: Granted, wantSyncs: 1},
		{name: "unknown everywhere", online: true, syncOK: true, want: Denied, wantSyncs: 1},
		{name: "sync fails", pending: true, online: true, syncOK: false, want: Denied, wantSyncs: 1},
		{name: "offline miss", pending: true, online: false, syncOK: true, want: Denied, wantSyncs: 0},
		{name: "offline hit", known: true, online: false, want: Granted, wantSyncs: 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := &fakeStore{keys: map[string]bool{}, syncOK: c.syncOK}
			if c.known {
				s.keys["k"] = true
			}
			if c.pending {
				s.pending = []string{"k"}
			}
			g := &Gate{Store: s, Link: link(c.online)}
			if got := g.Admit(context.Background(), "k"); got != c.want {
				t.Fatalf("Admit = %s; want %s", got, c.want)
			}
			if s.syncs != c.wantSyncs {
				t.Fatalf("syncs = %d; want %d", s.syncs, c.wantSyncs)
			}
		})
	}
}

func TestBoot(t *testing.T) {
	s := &fakeStore{keys: map[string]bool{}, syncOK: true}
	if !(&Gate{Store: s}).Boot(context.Background()) || s.syncs != 1 {
		t.Fatalf("boot without link did not sync")
	}
	if (&Gate{Store: s, Link: link(false)}).Boot(context.Background()) || s.syncs != 1 {
		t.Fatalf("offline boot synced")
	}
}

func TestHashUID(t *testing.T) {
	// md5("") and md5 of a 4-byte MIFARE UID.
	if got := HashUID(nil); got != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Fatalf("HashUID(nil) = %s", got)
	}
	if got := HashUID([]byte{0xde, 0xad, 0xbe, 0xef}); len(got) != 32 {
		t.Fatalf("HashUID length = %d", len(got))
	}
}

func TestProbeFor(t *testing.T) {
	cases := map[string]string{
		"http://auth.example/list":      "auth.example:80",
		"https://auth.example/list":     "auth.example:443",
		"http://10.0.0.5:8080/db/table": "10.0.0.5:8080",
	}
	for in, want := range cases {
		p, err := ProbeFor(in, time.Second)
		if err != nil || p.Addr != want {
			t.Fatalf("ProbeFor(%q) = %q, %v; want %q", in, p.Addr, err, want)
		}
	}
	if _, err := ProbeFor("/relative", time.Second); err == nil {
		t.Fatalf("ProbeFor accepted a URL without host")
	}
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	if !(DialProbe{Addr: addr, Timeout: time.Second}).Online(context.Background()) {
		t.Fatalf("probe of a listening socket failed")
	}
	_ = ln.Close()
	if (DialProbe{Addr: addr, Timeout: time.Second}).Online(context.Background()) {
		t.Fatalf("probe of a closed socket succeeded")
	}
}
