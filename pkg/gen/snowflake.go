package gen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"

	"storefront-ledger/pkg/config"
)

// NewSnowflakeNode builds the id generator for this process. Each replica needs its own node id.
func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Ledger.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", cfg.Ledger.SnowflakeNode, err)
	}
	return node, nil
}
