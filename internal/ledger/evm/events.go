package evm

import (
	"log/slog"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// indexEvents maps every event signature hash in abis to its definition.
func indexEvents(abis map[string]abi.ABI) map[common.Hash]abi.Event {
	out := make(map[common.Hash]abi.Event)
	for _, a := range abis {
		for _, ev := range a.Events {
			out[ev.ID] = ev
		}
	}
	return out
}

// decodeLogs turns the logs of known events into domain events. Unknown or
// malformed logs are skipped.
func (c *Client) decodeLogs(logs []*types.Log) []domain.Event {
	var out []domain.Event
	for _, lg := range logs {
		ev, ok := c.decodeLog(lg)
		if ok {
			out = append(out, ev)
		}
	}
	return out
}

func (c *Client) decodeLog(lg *types.Log) (domain.Event, bool) {
	if lg == nil || len(lg.Topics) == 0 {
		return domain.Event{}, false
	}
	def, ok := c.events[lg.Topics[0]]
	if !ok {
		return domain.Event{}, false
	}

	fields := make(map[string]any, len(def.Inputs))
	var indexed abi.Arguments
	for _, in := range def.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		c.logger.Debug("skip log: topics", slog.String("event", def.Name), slog.String("error", err.Error()))
		return domain.Event{}, false
	}
	if len(lg.Data) > 0 {
		if err := def.Inputs.NonIndexed().UnpackIntoMap(fields, lg.Data); err != nil {
			c.logger.Debug("skip log: data", slog.String("event", def.Name), slog.String("error", err.Error()))
			return domain.Event{}, false
		}
	}
	return domain.Event{Contract: lg.Address.Hex(), Name: def.Name, Fields: fields}, true
}
