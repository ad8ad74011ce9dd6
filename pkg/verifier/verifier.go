package verifier

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/AYCHIT/Aych.Gitjira/internal"
	"github.com/AYCHIT/Aych.Gitjira/pkg/jira"
	"github.com/AYCHIT/Aych.Gitjira/pkg/storage"
)

// Outcome is the result of verifying one installation.
type Outcome string

const (
	OutcomeEnabled  Outcome = "enabled"
	OutcomeRetired  Outcome = "retired"
	OutcomeReported Outcome = "reported"
)

// Registry is the part of the credential registry the verifier mutates.
type Registry interface {
	Enable(ctx context.Context, installation *storage.Installation) error
	Uninstall(ctx context.Context, clientKey string) error
	List(ctx context.Context) ([]storage.Installation, error)
}

// Prober issues the existence query with an installation's credentials.
type Prober interface {
	Probe(ctx context.Context, installation *storage.Installation) error
}

// Reporter receives failures that must not touch the installation.
type Reporter interface {
	Report(installation *storage.Installation, err error)
}

// ClientProber probes through a jira.Client bound to the installation.
type ClientProber struct {
	AppKey  string
	Options jira.Options
}

func (p ClientProber) Probe(ctx context.Context, installation *storage.Installation) error {
	client, err := jira.NewForInstallation(installation, p.AppKey, 0, p.Options)
	if err != nil {
		return err
	}
	return client.Probe(ctx)
}

// Verifier checks that tracker hosts still accept their installations.
type Verifier struct {
	registry Registry
	prober   Prober
	reporter Reporter
	logger   *log.Logger
}

// New returns a verifier. A nil reporter logs through logger.
func New(registry Registry, prober Prober, reporter Reporter, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.Default()
	}
	if reporter == nil {
		reporter = LogReporter{Logger: logger}
	}
	return &Verifier{registry: registry, prober: prober, reporter: reporter, logger: logger}
}

// Verify probes one installation. Success enables it. A 401 deletes it.
// Anything else is reported and leaves it unchanged.
func (v *Verifier) Verify(ctx context.Context, installation *storage.Installation) (Outcome, error) {
	if installation == nil {
		return "", errors.New("installation is required")
	}
	err := v.prober.Probe(ctx, installation)
	switch {
	case err == nil:
		if err := v.registry.Enable(ctx, installation); err != nil {
			return "", err
		}
		v.logger.Printf("installation id=%d enabled on %s", installation.ID, installation.JiraHost)
		return OutcomeEnabled, nil
	case jira.IsUnauthorized(err):
		v.logger.Printf("jira does not recognize installation id=%d host=%s, deleting it", installation.ID, installation.JiraHost)
		if err := v.registry.Uninstall(ctx, installation.ClientKey); err != nil {
			return "", err
		}
		return OutcomeRetired, nil
	default:
		v.reporter.Report(installation, err)
		return OutcomeReported, nil
	}
}

// VerifyAll verifies every stored installation once.
func (v *Verifier) VerifyAll(ctx context.Context) (map[Outcome]int, error) {
	installations, err := v.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[Outcome]int, 3)
	for i := range installations {
		if ctx.Err() != nil {
			return counts, ctx.Err()
		}
		outcome, err := v.Verify(ctx, &installations[i])
		if err != nil {
			v.logger.Printf("verify installation id=%d failed: %v", installations[i].ID, err)
			continue
		}
		internal.IncVerification(string(outcome))
		counts[outcome]++
	}
	return counts, nil
}

// Run calls VerifyAll every interval until ctx is done.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if counts, err := v.VerifyAll(ctx); err != nil {
			v.logger.Printf("verification pass failed: %v", err)
		} else {
			v.logger.Printf("verification pass enabled=%d retired=%d reported=%d",
				counts[OutcomeEnabled], counts[OutcomeRetired], counts[OutcomeReported])
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LogReporter logs failures.
type LogReporter struct {
	Logger *log.Logger
}

func (r LogReporter) Report(installation *storage.Installation, err error) {
	r.Logger.Printf("unable to verify installation id=%d host=%s: %v", installation.ID, installation.JiraHost, err)
}
