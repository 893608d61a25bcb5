package kafka

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"kafkarows/internal/logging"
)

// Consumer property names understood by the drivers. Legacy high-level
// consumer names are accepted so existing step configurations keep loading.
const (
	PropBootstrapServers   = "bootstrap.servers"
	PropBrokerList         = "metadata.broker.list"
	PropZookeeperConnect   = "zookeeper.connect"
	PropGroupID            = "group.id"
	PropConsumerID         = "consumer.id"
	PropClientID           = "client.id"
	PropSocketTimeout      = "socket.timeout.ms"
	PropSocketRecvBuffer   = "socket.receive.buffer.bytes"
	PropFetchMaxBytes      = "fetch.message.max.bytes"
	PropFetchMinBytes      = "fetch.min.bytes"
	PropFetchWaitMax       = "fetch.wait.max.ms"
	PropQueuedChunks       = "queued.max.message.chunks"
	PropRefreshBackoff     = "refresh.leader.backoff.ms"
	PropAutoCommitEnable   = "auto.commit.enable"
	PropAutoCommitInterval = "auto.commit.interval.ms"
	PropAutoOffsetReset    = "auto.offset.reset"
	PropConsumerTimeout    = "consumer.timeout.ms"
	PropKafkaVersion       = "kafka.version"
)

const DefaultGroupID = "group"

// ignored names are accepted but have no equivalent on a partition consumer
// with manual commits.
var ignored = map[string]struct{}{
	PropZookeeperConnect:              {},
	PropConsumerID:                    {},
	PropSocketRecvBuffer:              {},
	PropAutoCommitInterval:            {},
	"rebalance.max.retries":           {},
	"rebalance.backoff.ms":            {},
	"zookeeper.session.timeout.ms":    {},
	"zookeeper.connection.timeout.ms": {},
	"zookeeper.sync.time.ms":          {},
}

var ErrUnknownProperty = errors.New("unknown property")

// ConfigError reports a malformed connection or step setting. It is raised
// before any cycle starts and is never retried.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("kafka: invalid config: %v", e.Err)
	}
	return fmt.Sprintf("kafka: invalid config %q: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Properties is the parsed form of the flat property map.
type Properties struct {
	Brokers     []string
	GroupID     string
	IdleTimeout time.Duration // 0 = block until a message arrives
	Initial     int64         // sarama.OffsetOldest | sarama.OffsetNewest
	Sarama      *sarama.Config
}

// PropertyNames lists every recognised property, sorted.
func PropertyNames() []string {
	names := []string{
		PropBootstrapServers, PropBrokerList, PropGroupID, PropClientID,
		PropSocketTimeout, PropFetchMaxBytes, PropFetchMinBytes, PropFetchWaitMax,
		PropQueuedChunks, PropRefreshBackoff, PropAutoCommitEnable,
		PropAutoOffsetReset, PropConsumerTimeout, PropKafkaVersion,
	}
	for k := range ignored {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ParseProperties translates the property map into a sarama configuration.
// Malformed values fail fast with a *ConfigError; unknown names are logged
// and skipped, matching how Kafka clients treat them.
func ParseProperties(props map[string]string) (*Properties, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest

	p := &Properties{GroupID: DefaultGroupID, Initial: sarama.OffsetNewest, Sarama: sc}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := strings.TrimSpace(props[k])
		if err := p.apply(k, v); err != nil {
			return nil, &ConfigError{Key: k, Err: err}
		}
	}

	if err := sc.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	return p, nil
}

func (p *Properties) apply(k, v string) error {
	sc := p.Sarama
	switch k {
	case PropBootstrapServers, PropBrokerList:
		p.Brokers = splitList(v)
	case PropGroupID:
		if v == "" {
			return errors.New("must not be empty")
		}
		p.GroupID = v
	case PropClientID:
		sc.ClientID = v
	case PropSocketTimeout:
		d, err := millis(v)
		if err != nil {
			return err
		}
		sc.Net.DialTimeout, sc.Net.ReadTimeout, sc.Net.WriteTimeout = d, d, d
	case PropFetchMaxBytes:
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return err
		}
		sc.Consumer.Fetch.Default = int32(n)
	case PropFetchMinBytes:
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return err
		}
		sc.Consumer.Fetch.Min = int32(n)
	case PropFetchWaitMax:
		d, err := millis(v)
		if err != nil {
			return err
		}
		sc.Consumer.MaxWaitTime = d
	case PropQueuedChunks:
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		sc.ChannelBufferSize = n
	case PropRefreshBackoff:
		d, err := millis(v)
		if err != nil {
			return err
		}
		sc.Consumer.Retry.Backoff = d
	case PropAutoCommitEnable:
		on, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		if on {
			logging.L().Warn("auto.commit.enable is ignored; offsets are committed once per completed cycle")
		}
	case PropAutoOffsetReset:
		switch strings.ToLower(v) {
		case "smallest", "earliest", "oldest":
			p.Initial = sarama.OffsetOldest
		case "largest", "latest", "newest":
			p.Initial = sarama.OffsetNewest
		default:
			return fmt.Errorf("want smallest|largest, got %q", v)
		}
		sc.Consumer.Offsets.Initial = p.Initial
	case PropConsumerTimeout:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		if n < 0 {
			n = 0
		}
		p.IdleTimeout = time.Duration(n) * time.Millisecond
	case PropKafkaVersion:
		ver, err := sarama.ParseKafkaVersion(v)
		if err != nil {
			return err
		}
		sc.Version = ver
	default:
		if _, ok := ignored[k]; ok {
			logging.L().Debug("kafka property has no effect", zap.String("property", k))
			return nil
		}
		logging.L().Debug("skipping kafka property", zap.String("property", k), zap.Error(ErrUnknownProperty))
	}
	return nil
}

func millis(v string) (time.Duration, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative duration %d", n)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
