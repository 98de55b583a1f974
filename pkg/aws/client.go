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

package aws

import (
	"context"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Client bundles the service clients the daemons need, built from a single
// shared AWS config so retry, region, and credential behavior stay uniform.
type Client struct {
	EC2      EC2API
	Route53  Route53API
	SSM      SSMAPI
	STS      STSAPI
	Region   string
	ClientID string
}

// NewClient loads the default credential chain and region resolution and
// wraps every client with a standard retryer configured for bounded
// exponential backoff with jitter. This is the transport-level retry; the
// CloudAPI adapter layers an overall per-call deadline on top (see
// pkg/cloudapi), after which a retryable error is surfaced as a typed
// TransientError rather than retried forever.
func NewClient(ctx context.Context, clusterName string, maxRetries int) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRetryer(func() awssdk.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = maxRetries
				o.MaxBackoff = 20 * time.Second
				o.Backoff = retry.NewExponentialJitterBackoff(20 * time.Second)
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &Client{
		EC2:      ec2.NewFromConfig(cfg),
		Route53:  route53.NewFromConfig(cfg),
		SSM:      ssm.NewFromConfig(cfg),
		STS:      sts.NewFromConfig(cfg),
		Region:   cfg.Region,
		ClientID: clusterName,
	}, nil
}
