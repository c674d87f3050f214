package listenercontroller

import (
	"context"
	"fmt"
	"net/url"

	"github.com/terrapod/terrapod/pkg/artifactstore"
	"github.com/terrapod/terrapod/pkg/configversion"
	"github.com/terrapod/terrapod/pkg/run"
	"github.com/terrapod/terrapod/pkg/stateversion"
)

// PhaseURLs is the presigned URL bundle the control plane broker returns for
// one run phase. Only the fields relevant to the phase are populated.
type PhaseURLs struct {
	ConfigURL      string `json:"config_url,omitempty"`
	StateURL       string `json:"state_url,omitempty"`
	LogUploadURL   string `json:"log_upload_url"`
	PlanFileURL    string `json:"plan_file_upload_url,omitempty"`
	PlanFileGetURL string `json:"plan_file_download_url,omitempty"`
	StateUploadURL string `json:"state_upload_url,omitempty"`
}

// URLBroker generates the presigned URLs a phase's Job needs. It is the only
// code path that touches artifact store credentials on the LC's behalf — a
// remote listener calls it over HTTP instead, never fabricating URLs itself.
type URLBroker struct {
	objects artifactstore.Store
	cvs     *configversion.Store
	states  *stateversion.Store
}

func NewURLBroker(objects artifactstore.Store, cvs *configversion.Store, states *stateversion.Store) *URLBroker {
	return &URLBroker{objects: objects, cvs: cvs, states: states}
}

// FetchPresignedURLs implements fetch_presigned_urls(run, phase) from §4.7.
func (b *URLBroker) FetchPresignedURLs(ctx context.Context, r run.Run, phase run.Phase) (PhaseURLs, error) {
	var out PhaseURLs
	wsID := r.WorkspaceRef.String()
	runID := r.ID.String()

	if phase == run.PhasePlan {
		if r.CVRef != nil {
			cv, err := b.cvs.Get(ctx, *r.CVRef)
			if err != nil {
				return PhaseURLs{}, fmt.Errorf("resolving configuration version for presign: %w", err)
			}
			u, err := b.objects.PresignedGetURL(ctx, artifactstore.ConfigKey(wsID, cv.ID.String()), artifactstore.DefaultPresignTTL)
			if err != nil {
				return PhaseURLs{}, fmt.Errorf("presigning config download: %w", err)
			}
			out.ConfigURL = u.URL
		}

		if sv, err := b.states.GetLatestForWorkspace(ctx, r.WorkspaceRef); err == nil {
			u, err := b.objects.PresignedGetURL(ctx, artifactstore.StateKey(wsID, sv.ID.String()), artifactstore.DefaultPresignTTL)
			if err != nil {
				return PhaseURLs{}, fmt.Errorf("presigning state download: %w", err)
			}
			out.StateURL = u.URL
		}

		logURL, err := b.objects.PresignedPutURL(ctx, artifactstore.PlanLogKey(wsID, runID), "text/plain", artifactstore.DefaultPresignTTL)
		if err != nil {
			return PhaseURLs{}, fmt.Errorf("presigning plan log upload: %w", err)
		}
		out.LogUploadURL = logURL.URL

		planFileURL, err := b.objects.PresignedPutURL(ctx, artifactstore.PlanFileKey(wsID, runID), "application/octet-stream", artifactstore.DefaultPresignTTL)
		if err != nil {
			return PhaseURLs{}, fmt.Errorf("presigning plan file upload: %w", err)
		}
		out.PlanFileURL = planFileURL.URL
		return out, nil
	}

	// Apply phase: the plan file is read back, the apply log and a fresh
	// state version are written.
	planFileGetURL, err := b.objects.PresignedGetURL(ctx, artifactstore.PlanFileKey(wsID, runID), artifactstore.DefaultPresignTTL)
	if err != nil {
		return PhaseURLs{}, fmt.Errorf("presigning plan file download: %w", err)
	}
	out.PlanFileGetURL = planFileGetURL.URL

	logURL, err := b.objects.PresignedPutURL(ctx, artifactstore.ApplyLogKey(wsID, runID), "text/plain", artifactstore.DefaultPresignTTL)
	if err != nil {
		return PhaseURLs{}, fmt.Errorf("presigning apply log upload: %w", err)
	}
	out.LogUploadURL = logURL.URL

	if sv, err := b.states.GetLatestForWorkspace(ctx, r.WorkspaceRef); err == nil {
		u, err := b.objects.PresignedPutURL(ctx, artifactstore.StateKey(wsID, sv.ID.String()), "application/json", artifactstore.DefaultPresignTTL)
		if err != nil {
			return PhaseURLs{}, fmt.Errorf("presigning state upload: %w", err)
		}
		out.StateUploadURL = u.URL
	}

	return out, nil
}

// RewriteHost rewrites a presigned URL's externally-advertised host to the
// internal service DNS name so a Job running inside the cluster can reach
// it, per the §4.7 brokering rule. Scheme, path, and query are untouched.
func RewriteHost(rawURL, internalHost string) (string, error) {
	if internalHost == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing presigned url for host rewrite: %w", err)
	}
	u.Host = internalHost
	return u.String(), nil
}

// rewriteAll rewrites every populated URL field in a bundle in place.
func rewriteAll(urls PhaseURLs, internalHost string) (PhaseURLs, error) {
	fields := []*string{
		&urls.ConfigURL, &urls.StateURL, &urls.LogUploadURL,
		&urls.PlanFileURL, &urls.PlanFileGetURL, &urls.StateUploadURL,
	}
	for _, f := range fields {
		if *f == "" {
			continue
		}
		rewritten, err := RewriteHost(*f, internalHost)
		if err != nil {
			return PhaseURLs{}, err
		}
		*f = rewritten
	}
	return urls, nil
}
