package raft

import (
	"time"

	"github.com/ctrlplane/raft/logging"
)

// Config holds the tunables of a server in a form suitable for loading from
// a configuration file. Zero values keep the defaults.
type Config struct {
	ElectionTimeout      time.Duration
	HeartbeatInterval    time.Duration
	LeaseDuration        time.Duration
	MaxEntriesPerRequest int
	SnapshotThreshold    uint64
	SnapshotChunkSize    int
	JournalIndexDensity  int
	MaxEntriesPerSegment uint64
	MaxSegmentSize       int32
	LoggerLevel          string
}

// Options converts the configuration into options for NewRaft. An invalid
// value results in an error.
func (c Config) Options() ([]Option, error) {
	var opts []Option
	if c.ElectionTimeout != 0 {
		opts = append(opts, WithElectionTimeout(c.ElectionTimeout))
	}
	if c.HeartbeatInterval != 0 {
		opts = append(opts, WithHeartbeatInterval(c.HeartbeatInterval))
	}
	if c.LeaseDuration != 0 {
		opts = append(opts, WithLeaseDuration(c.LeaseDuration))
	}
	if c.MaxEntriesPerRequest != 0 {
		opts = append(opts, WithMaxEntriesPerRequest(c.MaxEntriesPerRequest))
	}
	if c.SnapshotThreshold != 0 {
		opts = append(opts, WithSnapshotThreshold(c.SnapshotThreshold))
	}
	if c.SnapshotChunkSize != 0 {
		opts = append(opts, WithSnapshotChunkSize(c.SnapshotChunkSize))
	}
	if c.JournalIndexDensity != 0 {
		opts = append(opts, WithJournalIndexDensity(c.JournalIndexDensity))
	}
	if c.MaxEntriesPerSegment != 0 || c.MaxSegmentSize != 0 {
		opts = append(opts, WithJournalSegmentLimits(c.MaxEntriesPerSegment, c.MaxSegmentSize))
	}
	if c.LoggerLevel != "" {
		level, err := logging.ParseLevel(c.LoggerLevel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithLogLevel(level))
	}

	// Validate eagerly so that a bad configuration is reported at load time.
	validation := defaultOptions()
	for _, opt := range opts {
		if err := opt(&validation); err != nil {
			return nil, err
		}
	}

	return opts, nil
}
