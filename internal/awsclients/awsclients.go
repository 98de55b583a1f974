/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package awsclients builds the one aws.Config and the set of service
// clients every cmd/ entrypoint needs, the way kwok/operator/operator.go
// builds its own: default credential chain, a daemon-specific user-agent,
// and per-API-call Prometheus metrics middleware.
package awsclients

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	prometheusv2 "github.com/jonathan-innis/aws-sdk-go-prometheus/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Clients bundles the narrow service clients pkg/aws.* interfaces are
// satisfied by.
type Clients struct {
	EC2     *ec2.Client
	Route53 *route53.Client
	SSM     *ssm.Client
	STS     *sts.Client
	IMDS    *imds.Client
}

// New resolves the default AWS config and builds every service client this
// module talks to, instrumented with registry so calls show up on the
// daemon's own /metrics endpoint alongside its loop and heartbeat metrics.
func New(ctx context.Context, component string, registry prometheus.Registerer) (*Clients, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading default aws config: %w", err)
	}
	cfg = withUserAgent(cfg, component)
	cfg = prometheusv2.WithPrometheusMetrics(cfg, registry)

	return &Clients{
		EC2:     ec2.NewFromConfig(cfg),
		Route53: route53.NewFromConfig(cfg),
		SSM:     ssm.NewFromConfig(cfg),
		STS:     sts.NewFromConfig(cfg),
		IMDS:    imds.NewFromConfig(cfg),
	}, nil
}

// withUserAgent tags every API call with the daemon that made it, the same
// way karpenter tags its own calls with "karpenter.sh-<version>".
func withUserAgent(cfg aws.Config, component string) aws.Config {
	cfg.APIOptions = append(cfg.APIOptions,
		awsmiddleware.AddUserAgentKey("aws-parallelcluster-sub003-"+component),
	)
	return cfg
}
