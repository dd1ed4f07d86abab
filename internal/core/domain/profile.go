package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Endpoints holds the relative paths a server exposes to probes. A
// server publishes at least one health path; probes walk them in
// declaration order.
type Endpoints struct {
	Health []string `yaml:"health" json:"health" validate:"min=1,dive,startswith=/"`
	Auth   string   `yaml:"auth"   json:"auth"   validate:"required,startswith=/"`
	API    string   `yaml:"api"    json:"api"    validate:"required,startswith=/"`
}

// ServerProfile describes one backend server a device can attach to.
// Metadata carries free-form operator labels (ward name, site, rack)
// that the engine stores and displays but never interprets.
type ServerProfile struct {
	ID            string            `yaml:"id"             json:"id"             validate:"required,server_id"`
	Name          string            `yaml:"name"           json:"name"           validate:"required"`
	BaseURL       string            `yaml:"base_url"       json:"base_url"       validate:"required,http_url"`
	WSURL         string            `yaml:"ws_url"         json:"ws_url,omitempty" validate:"omitempty,ws_url"`
	Endpoints     Endpoints         `yaml:"endpoints"      json:"endpoints"`
	Timeout       time.Duration     `yaml:"timeout"        json:"timeout"        validate:"gte=0"`
	RetryAttempts int               `yaml:"retry_attempts" json:"retry_attempts" validate:"gte=0"`
	Metadata      map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// ConfigHash digests the connection-relevant fields (id, URLs,
// endpoint paths, timeout, retry attempts) so cached validation
// results can detect profile drift. The display name and metadata are
// cosmetic and do not invalidate a verdict.
func (p *ServerProfile) ConfigHash() string {
	parts := []string{
		p.ID,
		p.BaseURL,
		p.WSURL,
	}
	parts = append(parts, p.Endpoints.Health...)
	parts = append(parts,
		p.Endpoints.Auth,
		p.Endpoints.API,
		p.Timeout.String(),
		fmt.Sprintf("%d", p.RetryAttempts),
	)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// HealthURLs joins the base URL with each health endpoint path, in
// declaration order.
func (p *ServerProfile) HealthURLs() []string {
	urls := make([]string, len(p.Endpoints.Health))
	for i, path := range p.Endpoints.Health {
		urls[i] = strings.TrimRight(p.BaseURL, "/") + path
	}
	return urls
}

// AuthURL joins the base URL with the auth endpoint path.
func (p *ServerProfile) AuthURL() string {
	return strings.TrimRight(p.BaseURL, "/") + p.Endpoints.Auth
}

// APIURL joins the base URL with the API endpoint path.
func (p *ServerProfile) APIURL() string {
	return strings.TrimRight(p.BaseURL, "/") + p.Endpoints.API
}
