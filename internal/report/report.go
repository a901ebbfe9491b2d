// Package report renders validator outcomes as YAML.
package report

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/die-net/proxytun/internal/validator"
)

type Summary struct {
	Total   int `yaml:"total"`
	Working int `yaml:"working"`
	Removed int `yaml:"removed"`
	SOCKS5  int `yaml:"socks5"`
	SOCKS4  int `yaml:"socks4"`
	HTTP    int `yaml:"http"`
}

// Entry is one proxy. Credentials are never written; Auth records whether
// any were configured.
type Entry struct {
	Proxy    string `yaml:"proxy"`
	Declared string `yaml:"declared,omitempty"`
	OK       bool   `yaml:"ok"`
	Type     string `yaml:"type,omitempty"`
	RTTMs    int64  `yaml:"rtt_ms,omitempty"`
	Auth     bool   `yaml:"auth,omitempty"`
	Error    string `yaml:"error,omitempty"`
}

type Report struct {
	Generated time.Time `yaml:"generated"`
	Target    string    `yaml:"target"`
	Summary   Summary   `yaml:"summary"`
	Proxies   []Entry   `yaml:"proxies"`
}

// New builds a report of res, keeping the registry order of its outcomes.
func New(target string, res validator.Result, now time.Time) Report {
	r := Report{
		Generated: now.UTC().Truncate(time.Second),
		Target:    target,
		Summary: Summary{
			Total:   res.Total,
			Working: res.Working,
			Removed: res.Removed,
			SOCKS5:  res.SOCKS5,
			SOCKS4:  res.SOCKS4,
			HTTP:    res.HTTP,
		},
		Proxies: make([]Entry, 0, len(res.Outcomes)),
	}

	for _, o := range res.Outcomes {
		if o.Proxy == nil {
			continue
		}
		e := Entry{
			Proxy:    o.Proxy.HostPort(),
			Declared: o.Proxy.Type.Scheme(),
			OK:       o.OK,
			Auth:     o.Proxy.HasCredentials(),
		}
		if o.OK {
			e.Type = o.Type.Scheme()
			e.RTTMs = o.RTT.Milliseconds()
		}
		if o.Err != nil {
			e.Error = o.Err.Error()
		}
		r.Proxies = append(r.Proxies, e)
	}
	return r
}

// Write encodes r to w.
func Write(w io.Writer, r Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}

// Save writes r to path, replacing any existing file.
func Save(path string, r Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Read decodes a report written by Write. Unknown fields are rejected.
func Read(rd io.Reader) (Report, error) {
	var r Report
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}
