package policy

import (
	"net"
	"testing"
)

func TestParseTLSRPT(t *testing.T) {
	cases := []struct {
		name    string
		txt     []string
		wantRUA []string
		fail    bool
	}{
		{
			name:    "single rua",
			txt:     []string{"v=TLSRPTv1; rua=mailto:reports@example.com"},
			wantRUA: []string{"mailto:reports@example.com"},
		},
		{
			name:    "multiple rua",
			txt:     []string{"v=TLSRPTv1;rua=mailto:a@example.com,https://example.com/r"},
			wantRUA: []string{"mailto:a@example.com", "https://example.com/r"},
		},
		{
			name: "split across TXT segments",
			txt:  []string{"v=TLSRPTv1; ", "rua=mailto:reports@example.com"},
			wantRUA: []string{"mailto:reports@example.com"},
		},
		{
			name: "wrong version",
			txt:  []string{"v=TLSRPTv2; rua=mailto:reports@example.com"},
			fail: true,
		},
		{
			name: "missing rua",
			txt:  []string{"v=TLSRPTv1"},
			fail: true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec, err := parseTLSRPT(c.txt)
			if c.fail {
				if err == nil {
					t.Fatalf("expected failure, got %+v", rec)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected failure: %v", err)
			}
			if len(rec.RUA) != len(c.wantRUA) {
				t.Fatalf("rua = %v, want %v", rec.RUA, c.wantRUA)
			}
			for i := range rec.RUA {
				if rec.RUA[i] != c.wantRUA[i] {
					t.Fatalf("rua[%d] = %v, want %v", i, rec.RUA[i], c.wantRUA[i])
				}
			}
		})
	}
}

func TestToMXHosts(t *testing.T) {
	mxs := []*net.MX{
		{Host: "mx2.example.org.", Pref: 20},
		{Host: "mx1.example.org.", Pref: 10},
		{Host: "mx3.example.org.", Pref: 30},
	}

	hosts := toMXHosts(mxs, 2)
	if len(hosts) != 2 {
		t.Fatalf("expected truncation to 2 hosts, got %d", len(hosts))
	}
	if hosts[0].Host != "mx1.example.org" || hosts[1].Host != "mx2.example.org" {
		t.Fatalf("expected preference order mx1,mx2, got %+v", hosts)
	}
}

func TestToMXHostsNullMX(t *testing.T) {
	hosts := toMXHosts([]*net.MX{{Host: ".", Pref: 0}}, 5)
	if len(hosts) != 1 || !hosts[0].NullMX {
		t.Fatalf("expected a single null MX entry, got %+v", hosts)
	}
}

func TestBoundAddrs(t *testing.T) {
	addrs := []net.IPAddr{{IP: net.ParseIP("192.0.2.1")}, {IP: net.ParseIP("192.0.2.2")}, {IP: net.ParseIP("192.0.2.3")}}
	bounded := boundAddrs(addrs, 2)
	if len(bounded) != 2 {
		t.Fatalf("expected bound to 2 addrs, got %d", len(bounded))
	}
}
