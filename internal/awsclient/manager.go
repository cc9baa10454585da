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

// Package awsclient builds AWS service clients that share one base config,
// one STS client and a cache of credential providers keyed by region and role.
package awsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Manager struct {
	baseCfg     aws.Config
	stsClient   *sts.Client
	sessionName string

	sync.RWMutex
	providers map[roleKey]aws.CredentialsProvider
	tracer    trace.Tracer
}

type managerConfig struct {
	sessionName     string
	region          string
	accessKeyID     string
	secretAccessKey string
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*managerConfig)

// WithStaticCredentials pins the base credentials to a key pair instead of
// the default provider chain. Empty values leave the chain in place.
func WithStaticCredentials(accessKeyID, secretAccessKey string) ManagerOption {
	return func(c *managerConfig) {
		c.accessKeyID = accessKeyID
		c.secretAccessKey = secretAccessKey
	}
}

// WithDefaultRegion sets the region used when S3Settings carries none.
func WithDefaultRegion(region string) ManagerOption {
	return func(c *managerConfig) {
		c.region = region
	}
}

// NewManager initializes AWS config + a single STS client.
func NewManager(ctx context.Context, opts ...ManagerOption) (*Manager, error) {
	mc := managerConfig{sessionName: "stageloader"}
	for _, opt := range opts {
		opt(&mc)
	}

	var loadOpts []func(*config.LoadOptions) error
	if mc.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(mc.region))
	}
	if mc.accessKeyID != "" && mc.secretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(mc.accessKeyID, mc.secretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	otelaws.AppendMiddlewares(&cfg.APIOptions)

	return &Manager{
		baseCfg:     cfg,
		stsClient:   sts.NewFromConfig(cfg),
		sessionName: mc.sessionName,
		providers:   make(map[roleKey]aws.CredentialsProvider),
		tracer:      otel.Tracer("github.com/cardinalhq/stageloader/internal/awsclient"),
	}, nil
}

// Region returns the region of the base config.
func (m *Manager) Region() string {
	return m.baseCfg.Region
}
