package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	checkConfig        = "config"
	checkAPIKey        = "api key"
	checkLookupFetch   = "lookup fetch"
	checkStreamConnect = "stream connect"
)

type DoctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}

type DoctorReport struct {
	Checks []DoctorCheck `json:"checks"`
}

type DoctorInput struct {
	// ConfigPath is the loaded config file; empty means built-in defaults.
	ConfigPath       string
	LookupURL        string
	StreamURL        string
	Credential       string
	CredentialSource string
	Fetcher          SnapshotFetcher
	Transport        StreamTransport
	CheckTimeout     time.Duration
}

func RunDoctor(ctx context.Context, in DoctorInput) DoctorReport {
	timeout := in.CheckTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	credential := strings.TrimSpace(in.Credential)

	checks := []DoctorCheck{
		describeConfig(in),
		checkCredential(credential, in.CredentialSource),
	}
	if credential == "" {
		checks = append(checks,
			DoctorCheck{Name: checkLookupFetch, Details: "skipped: no API key"},
			DoctorCheck{Name: checkStreamConnect, Details: "skipped: no API key"},
		)
		return DoctorReport{Checks: checks}
	}

	checks = append(checks, checkLookup(ctx, in.Fetcher, credential, timeout))
	checks = append(checks, checkStream(ctx, in.Transport, credential, timeout))
	return DoctorReport{Checks: checks}
}

// Healthy requires a key and a working lookup; the stream is best effort.
func (r DoctorReport) Healthy() bool {
	var keyOK, lookupOK bool
	for _, c := range r.Checks {
		switch c.Name {
		case checkAPIKey:
			keyOK = c.OK
		case checkLookupFetch:
			lookupOK = c.OK
		}
	}
	return keyOK && lookupOK
}

func describeConfig(in DoctorInput) DoctorCheck {
	source := in.ConfigPath
	if source == "" {
		source = "built-in defaults"
	}
	return DoctorCheck{
		Name:    checkConfig,
		OK:      true,
		Details: fmt.Sprintf("%s (lookup=%s stream=%s)", source, in.LookupURL, in.StreamURL),
	}
}

func checkCredential(credential, source string) DoctorCheck {
	if credential == "" {
		return DoctorCheck{Name: checkAPIKey, Details: ErrNoCredential.Error()}
	}
	if source == "" {
		source = "unknown source"
	}
	return DoctorCheck{
		Name:    checkAPIKey,
		OK:      true,
		Details: fmt.Sprintf("found %s from %s", Fingerprint(credential), source),
	}
}

func checkLookup(parent context.Context, fetcher SnapshotFetcher, credential string, timeout time.Duration) DoctorCheck {
	if fetcher == nil {
		return DoctorCheck{Name: checkLookupFetch, Details: "no lookup client configured"}
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	snapshot, err := fetcher.Fetch(ctx, credential)
	if err != nil {
		return DoctorCheck{Name: checkLookupFetch, Details: err.Error()}
	}
	return DoctorCheck{
		Name: checkLookupFetch,
		OK:   true,
		Details: fmt.Sprintf(
			"valid=%t status=%s balance=%s requests=%d usage_rows=%d",
			snapshot.Valid,
			snapshot.Status,
			snapshot.Balance.StringFixed(2),
			snapshot.Stats.TotalRequests,
			len(snapshot.Usage),
		),
	}
}

func checkStream(parent context.Context, transport StreamTransport, credential string, timeout time.Duration) DoctorCheck {
	if transport == nil {
		return DoctorCheck{Name: checkStreamConnect, Details: "no stream transport configured"}
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	conn, err := transport.Open(ctx, credential)
	if err != nil {
		return DoctorCheck{Name: checkStreamConnect, Details: err.Error()}
	}
	_ = conn.Close()
	return DoctorCheck{
		Name:    checkStreamConnect,
		OK:      true,
		Details: fmt.Sprintf("connected in %s", time.Since(start).Round(time.Millisecond)),
	}
}
