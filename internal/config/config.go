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

// Package config loads the daemon settings file (spec.md §6/§9) each
// cmd/ entrypoint reads at startup, and resolves it into the Config
// types pkg/clustermgtd, pkg/computemgtd, and pkg/health take directly.
package config

import (
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/aws/aws-parallelcluster-sub003/pkg/clustermgtd"
	"github.com/aws/aws-parallelcluster-sub003/pkg/computemgtd"
	"github.com/aws/aws-parallelcluster-sub003/pkg/health"
)

// defaultUnhealthyReasons is spec.md §4.5's built-in substring set; the
// settings file may replace it entirely (spec.md §9 Open Question: made
// configurable rather than hardcoded).
var defaultUnhealthyReasons = []string{
	"non-responsive",
	"nodereplacetimeout",
	"reboot-failed",
	"health check",
}

// Settings is the on-disk shape of cluster-config.yaml. Durations use
// metav1.Duration, the same duration-from-string unmarshaling the teacher
// pulls in transitively via k8s.io/apimachinery, rather than hand-rolling
// a parser for "60s"-style values.
type Settings struct {
	ClusterName           string `json:"cluster_name"`
	ClusterTagFilterValue string `json:"cluster_tag_filter_value"`
	DNSZoneId             string `json:"dns_zone_id"`
	HeadNodePrivateIP     string `json:"head_node_private_ip"`
	FleetStatusParameter  string `json:"fleet_status_parameter"`
	FleetStatusCachePath  string `json:"fleet_status_cache_path"`
	HeartbeatFilePath     string `json:"heartbeat_file_path"`

	LoopTime                  metav1.Duration `json:"loop_time"`
	BootstrapTimeout          metav1.Duration `json:"bootstrap_timeout"`
	OrphanGracePeriod         metav1.Duration `json:"orphan_grace_period"`
	MinOrphanGrace            metav1.Duration `json:"min_orphan_grace"`
	ScheduledEventGraceWindow metav1.Duration `json:"scheduled_event_grace_window"`
	HealthCheckTimeout        metav1.Duration `json:"health_check_timeout"`
	ReachabilityTimeout       metav1.Duration `json:"reachability_timeout"`

	ProtectedFailureCount                 int `json:"protected_failure_count"`
	ProtectedStreakIterations             int `json:"protected_streak_iterations"`
	DisableAllClusterManagementMultiplier int `json:"disable_all_cluster_management"`
	WorkerPoolSize                        int `json:"worker_pool_size"`
	ResumeMaxFanout                       int `json:"resume_max_fanout"`

	CapacityReservationPollInterval metav1.Duration `json:"capacity_reservation_poll_interval"`

	UnhealthyReasons []string `json:"unhealthy_reasons"`
}

// Load reads and parses the daemon settings file, applying defaults for
// anything left unset.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("reading daemon settings file %s: %w", path, err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parsing daemon settings file %s: %w", path, err)
	}
	s.applyDefaults()
	return s, nil
}

func (s *Settings) applyDefaults() {
	if s.LoopTime.Duration == 0 {
		s.LoopTime.Duration = defaultLoopTime
	}
	if s.BootstrapTimeout.Duration == 0 {
		s.BootstrapTimeout.Duration = defaultBootstrapTimeout
	}
	if s.OrphanGracePeriod.Duration == 0 {
		s.OrphanGracePeriod.Duration = defaultOrphanGracePeriod
	}
	if s.MinOrphanGrace.Duration == 0 {
		s.MinOrphanGrace.Duration = defaultMinOrphanGrace
	}
	if s.ScheduledEventGraceWindow.Duration == 0 {
		s.ScheduledEventGraceWindow.Duration = defaultScheduledEventGraceWindow
	}
	if s.HealthCheckTimeout.Duration == 0 {
		s.HealthCheckTimeout.Duration = defaultHealthCheckTimeout
	}
	if s.ReachabilityTimeout.Duration == 0 {
		s.ReachabilityTimeout.Duration = defaultReachabilityTimeout
	}
	if s.ProtectedFailureCount == 0 {
		s.ProtectedFailureCount = defaultProtectedFailureCount
	}
	if s.ProtectedStreakIterations == 0 {
		s.ProtectedStreakIterations = defaultProtectedStreakIterations
	}
	if s.DisableAllClusterManagementMultiplier == 0 {
		s.DisableAllClusterManagementMultiplier = defaultDisableAllClusterManagementMultiplier
	}
	if s.WorkerPoolSize == 0 {
		s.WorkerPoolSize = defaultWorkerPoolSize
	}
	if s.ResumeMaxFanout == 0 {
		s.ResumeMaxFanout = defaultResumeMaxFanout
	}
	if s.CapacityReservationPollInterval.Duration == 0 {
		s.CapacityReservationPollInterval.Duration = defaultCapacityReservationPollInterval
	}
	if len(s.UnhealthyReasons) == 0 {
		s.UnhealthyReasons = defaultUnhealthyReasons
	}
}

// HealthConfig resolves the parts of health.Config the settings file owns.
func (s Settings) HealthConfig() health.Config {
	return health.Config{
		BootstrapTimeout:          s.BootstrapTimeout.Duration,
		OrphanGracePeriod:         s.OrphanGracePeriod.Duration,
		MinOrphanGrace:            s.MinOrphanGrace.Duration,
		ScheduledEventGraceWindow: s.ScheduledEventGraceWindow.Duration,
		UnhealthyReasons:          sets.NewString(s.UnhealthyReasons...),
	}
}

// ClusterMgtdConfig resolves clustermgtd.Config from the settings file.
func (s Settings) ClusterMgtdConfig() clustermgtd.Config {
	return clustermgtd.Config{
		LoopTime:                        s.LoopTime.Duration,
		ProtectedFailureCount:           s.ProtectedFailureCount,
		ProtectedStreakIterations:       s.ProtectedStreakIterations,
		WorkerPoolSize:                  s.WorkerPoolSize,
		CapacityReservationPollInterval: s.CapacityReservationPollInterval.Duration,
		ClusterName:                     s.ClusterName,
		DNSZoneId:                       s.DNSZoneId,
		ClusterTagFilterValue:           s.ClusterTagFilterValue,
		Health:                          s.HealthConfig(),
	}
}

// ComputeMgtdConfig resolves computemgtd.Config from the settings file.
func (s Settings) ComputeMgtdConfig() computemgtd.Config {
	return computemgtd.Config{
		LoopTime:                               s.LoopTime.Duration,
		FleetStatusCachePath:                    s.FleetStatusCachePath,
		HeadNodePrivateIP:                       s.HeadNodePrivateIP,
		ReachabilityTimeout:                     s.ReachabilityTimeout.Duration,
		DisableAllClusterManagementMultiplier:   s.DisableAllClusterManagementMultiplier,
		ScheduledEventGraceWindow:               s.ScheduledEventGraceWindow.Duration,
	}
}

// ResumeSettings resolves resume.Program's non-dependency fields from the
// settings file.
type ResumeSettings struct {
	ClusterName string
	DNSZoneId   string
	MaxFanout   int
}

// ResumeConfig resolves ResumeSettings from the settings file.
func (s Settings) ResumeConfig() ResumeSettings {
	return ResumeSettings{
		ClusterName: s.ClusterName,
		DNSZoneId:   s.DNSZoneId,
		MaxFanout:   s.ResumeMaxFanout,
	}
}

const (
	defaultLoopTime                  = 60 * time.Second
	defaultBootstrapTimeout          = 30 * time.Minute
	defaultOrphanGracePeriod         = 5 * time.Minute
	defaultMinOrphanGrace            = 2 * time.Minute
	defaultScheduledEventGraceWindow = 10 * time.Minute
	defaultHealthCheckTimeout        = 10 * time.Second
	defaultReachabilityTimeout       = 5 * time.Second

	defaultProtectedFailureCount                 = 10
	defaultProtectedStreakIterations             = 3
	defaultDisableAllClusterManagementMultiplier = 5
	defaultWorkerPoolSize                        = 10
	defaultCapacityReservationPollInterval       = 5 * time.Minute
	defaultResumeMaxFanout                       = 10
)
