package rediskey

import "fmt"

const (
	SequencePrefix = "seq"
	StatsPrefix    = "stats"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildSequenceKey returns "seq:{prefix}:{day}"
func BuildSequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, prefix+":"+day)
}

// BuildServerStatsKey returns "stats:server"
func BuildServerStatsKey() string {
	return NamespaceKey(StatsPrefix, "server")
}
