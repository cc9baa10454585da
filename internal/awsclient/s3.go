// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package awsclient

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/trace"
)

// S3Client pairs an S3 client with the tracer its callers open spans on.
type S3Client struct {
	Client *s3.Client
	Tracer trace.Tracer
}

// S3Settings describes one S3 endpoint. Zero values fall back to the
// manager's base config.
type S3Settings struct {
	Region string
	// RoleARN, when set, is assumed through STS for every request.
	RoleARN string
	// Endpoint points at an S3-compatible store such as MinIO.
	Endpoint    string
	PathStyle   bool
	InsecureTLS bool
}

func (s S3Settings) s3Options(o *s3.Options) {
	if s.Endpoint != "" {
		o.BaseEndpoint = aws.String(s.Endpoint)
	}
	o.UsePathStyle = s.PathStyle
}

type roleKey struct {
	Region  string
	RoleARN string
}

// S3 builds a client for the given settings.
func (m *Manager) S3(ctx context.Context, settings S3Settings) (*S3Client, error) {
	if settings.Region == "" {
		settings.Region = m.baseCfg.Region
	}

	cfg := m.baseCfg.Copy()
	cfg.Region = settings.Region
	cfg.Credentials = m.credentialsFor(roleKey{Region: settings.Region, RoleARN: settings.RoleARN})
	if settings.InsecureTLS {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		cfg.HTTPClient = &http.Client{Transport: tr}
	}

	return &S3Client{
		Client: s3.NewFromConfig(cfg, settings.s3Options),
		Tracer: m.tracer,
	}, nil
}

// credentialsFor returns one cached provider per region and role, so
// assumed-role sessions are refreshed rather than re-created.
func (m *Manager) credentialsFor(key roleKey) aws.CredentialsProvider {
	m.RLock()
	provider, ok := m.providers[key]
	m.RUnlock()
	if ok {
		return provider
	}

	m.Lock()
	defer m.Unlock()
	if provider, ok = m.providers[key]; ok {
		return provider
	}
	if key.RoleARN == "" {
		provider = m.baseCfg.Credentials
	} else {
		p := stscreds.NewAssumeRoleProvider(m.stsClient, key.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = m.sessionName
		})
		provider = aws.NewCredentialsCache(p)
	}
	m.providers[key] = provider
	return provider
}
