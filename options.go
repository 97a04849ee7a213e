package raft

import (
	"errors"
	"fmt"
	"time"

	"github.com/ctrlplane/raft/logging"
)

const (
	defaultElectionTimeout      = time.Duration(300 * time.Millisecond)
	defaultHeartbeat            = time.Duration(50 * time.Millisecond)
	defaultMaxEntriesPerRequest = 64
	defaultSnapshotThreshold    = 8192
	defaultSnapshotChunkSize    = 64 * 1024

	minElectionTimeout = time.Duration(20 * time.Millisecond)
	maxElectionTimeout = time.Duration(10 * time.Second)
	minHeartbeat       = time.Duration(5 * time.Millisecond)
	maxHeartbeat       = time.Duration(2 * time.Second)
	minLeaseDuration   = time.Duration(10 * time.Millisecond)
	maxLeaseDuration   = time.Duration(20 * time.Second)
	minChunkSize       = 1
	maxChunkSize       = 16 * 1024 * 1024
)

type options struct {
	// Minimum election timeout in milliseconds. A random time
	// between electionTimeout and 2 * electionTimeout will be
	// chosen to determine when a server will hold an election.
	electionTimeout time.Duration

	// The interval in milliseconds between AppendEntries RPCs that
	// the leader will send to the followers.
	heartbeatInterval time.Duration

	// The window within which a leader must hear from a majority of voting
	// members to remain leader. Zero means the election timeout.
	leaseDuration time.Duration

	// The maximum number of entries sent in a single AppendEntries request.
	maxEntriesPerRequest int

	// The number of applied entries since the last snapshot that triggers a
	// new snapshot. Zero disables automatic snapshots.
	snapshotThreshold uint64

	// The size of the chunks a snapshot is split into when sent to a follower.
	snapshotChunkSize int

	// Journal tuning for the default log.
	indexDensity         int
	maxEntriesPerSegment uint64
	maxSegmentSize       int32

	// The version of the payloads the state machine produces, announced by
	// the leader to its followers.
	leaderPayloadVersion int16

	// The level of logged messages.
	logLevel logging.Level

	// Indicates if log level was set or not.
	levelSet bool

	// A provided logger that can be used by raft.
	logger *logging.Logger

	// A provided log that can be used by raft.
	log Log

	// A provided state storage that can be used by raft.
	stateStorage StateStorage

	// A provided snapshot storage that can be used by raft.
	snapshotStorage SnapshotStorage

	// A provided network transport that can be used by raft.
	transport Transport

	// Receives notifications about role and leadership changes.
	notifications chan<- Notification
}

func defaultOptions() options {
	return options{
		electionTimeout:      defaultElectionTimeout,
		heartbeatInterval:    defaultHeartbeat,
		maxEntriesPerRequest: defaultMaxEntriesPerRequest,
		snapshotThreshold:    defaultSnapshotThreshold,
		snapshotChunkSize:    defaultSnapshotChunkSize,
		indexDensity:         1,
	}
}

// Option is a function that updates the options associated with Raft.
type Option func(options *options) error

// WithElectionTimeout sets the election timeout for raft.
func WithElectionTimeout(time time.Duration) Option {
	return func(options *options) error {
		if time < minElectionTimeout || time > maxElectionTimeout {
			return fmt.Errorf("election timeout must be between %s and %s", minElectionTimeout, maxElectionTimeout)
		}
		options.electionTimeout = time
		return nil
	}
}

// WithHeartbeatInterval sets the heartbeat interval for raft.
func WithHeartbeatInterval(time time.Duration) Option {
	return func(options *options) error {
		if time < minHeartbeat || time > maxHeartbeat {
			return fmt.Errorf("heartbeat interval must be between %s and %s", minHeartbeat, maxHeartbeat)
		}
		options.heartbeatInterval = time
		return nil
	}
}

// WithLeaseDuration sets the window within which a leader must hear from a
// majority of voting members before it considers itself isolated and steps
// down. It defaults to the election timeout.
func WithLeaseDuration(leaseDuration time.Duration) Option {
	return func(options *options) error {
		if leaseDuration < minLeaseDuration || leaseDuration > maxLeaseDuration {
			return fmt.Errorf("lease duration must be between %s and %s", minLeaseDuration, maxLeaseDuration)
		}
		options.leaseDuration = leaseDuration
		return nil
	}
}

// WithMaxEntriesPerRequest sets the maximum number of entries sent to a
// follower in one AppendEntries request.
func WithMaxEntriesPerRequest(entries int) Option {
	return func(options *options) error {
		if entries < 1 {
			return errors.New("maximum entries per request must be positive")
		}
		options.maxEntriesPerRequest = entries
		return nil
	}
}

// WithSnapshotThreshold sets the number of entries applied since the last
// snapshot after which a new snapshot is taken. Zero disables automatic snapshots.
func WithSnapshotThreshold(threshold uint64) Option {
	return func(options *options) error {
		options.snapshotThreshold = threshold
		return nil
	}
}

// WithSnapshotChunkSize sets the size in bytes of the chunks that a snapshot is
// split into when sent to a lagging follower.
func WithSnapshotChunkSize(size int) Option {
	return func(options *options) error {
		if size < minChunkSize || size > maxChunkSize {
			return fmt.Errorf("snapshot chunk size must be between %d and %d", minChunkSize, maxChunkSize)
		}
		options.snapshotChunkSize = size
		return nil
	}
}

// WithJournalIndexDensity sets how many log entries share one position in the
// journal index of the default log. A density of one keeps a dense index.
func WithJournalIndexDensity(density int) Option {
	return func(options *options) error {
		if density < 1 {
			return errors.New("journal index density must be positive")
		}
		options.indexDensity = density
		return nil
	}
}

// WithJournalSegmentLimits sets the number of entries and bytes at which a
// segment of the default log is rolled over. Zero keeps the default.
func WithJournalSegmentLimits(maxEntries uint64, maxSize int32) Option {
	return func(options *options) error {
		if maxSize < 0 {
			return errors.New("maximum segment size must not be negative")
		}
		options.maxEntriesPerSegment = maxEntries
		options.maxSegmentSize = maxSize
		return nil
	}
}

// WithLeaderPayloadVersion sets the payload version the server announces
// to its followers while it is leader.
func WithLeaderPayloadVersion(version int16) Option {
	return func(options *options) error {
		options.leaderPayloadVersion = version
		return nil
	}
}

// WithLogLevel sets the log level used by raft.
func WithLogLevel(level logging.Level) Option {
	return func(options *options) error {
		options.logLevel = level
		options.levelSet = true
		return nil
	}
}

// WithLogger sets the logger used by raft.
func WithLogger(logger *logging.Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}

// WithLog sets the log that will be used by raft. This is useful
// if you wish to use your own implementation of a log.
func WithLog(log Log) Option {
	return func(options *options) error {
		if log == nil {
			return errors.New("log must not be nil")
		}
		options.log = log
		return nil
	}
}

// WithStateStorage sets the state storage that will be used by raft.
// This is useful if you wish to use your own implementation of a state storage.
func WithStateStorage(stateStorage StateStorage) Option {
	return func(options *options) error {
		if stateStorage == nil {
			return errors.New("state storage must not be nil")
		}
		options.stateStorage = stateStorage
		return nil
	}
}

// WithSnapshotStorage sets the snapshot storage that will be used by raft.
// This is useful if you wish to use your own implementation of a snapshot storage.
func WithSnapshotStorage(snapshotStorage SnapshotStorage) Option {
	return func(options *options) error {
		if snapshotStorage == nil {
			return errors.New("snapshot storage must not be nil")
		}
		options.snapshotStorage = snapshotStorage
		return nil
	}
}

// WithTransport sets the network transport that will be used by raft.
// This is useful if you wish to use your own implementation of a transport.
func WithTransport(transport Transport) Option {
	return func(options *options) error {
		if transport == nil {
			return errors.New("transport must not be nil")
		}
		options.transport = transport
		return nil
	}
}

// WithNotifications sets the channel that receives role and leadership
// notifications. Notifications are dropped if the channel is full.
func WithNotifications(notifications chan<- Notification) Option {
	return func(options *options) error {
		if notifications == nil {
			return errors.New("notification channel must not be nil")
		}
		options.notifications = notifications
		return nil
	}
}
