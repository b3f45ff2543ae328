// Command evtd is the thin CLI entry point: it loads the node
// configuration, opens the durable stores and block log, and constructs a
// Controller. Networking, sync, and RPC transport are not implemented here
// (see chain/rpc for the method surface an external transport would wrap).
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/evt-chain/evtd/chain/blocklog"
	"github.com/evt-chain/evtd/chain/config"
	"github.com/evt-chain/evtd/chain/controller"
	"github.com/evt-chain/evtd/chain/log"
	"github.com/evt-chain/evtd/chain/types"
	cmntypes "github.com/evt-chain/evtd/common/types"
	"github.com/evt-chain/evtd/consensus/dpos"
	"github.com/evt-chain/evtd/kv"
	"github.com/evt-chain/evtd/kv/mdbx"
	"github.com/evt-chain/evtd/kv/memdb"
)

func main() {
	app := &cli.App{
		Name:  "evtd",
		Usage: "domain/token chain node core",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "evtd.toml", Usage: "path to node configuration"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	chainID, err := cfg.Genesis.ComputeChainID()
	if err != nil {
		return err
	}
	log.Info("loaded genesis", "chain_id", chainID.String())

	var tokenBacking, stateBacking kv.RwDB
	if cfg.DataDir != "" {
		tokenDB, err := mdbx.Open(filepath.Join(cfg.DataDir, "token"))
		if err != nil {
			return err
		}
		defer tokenDB.Close()
		stateDB, err := mdbx.Open(filepath.Join(cfg.DataDir, "state"))
		if err != nil {
			return err
		}
		defer stateDB.Close()
		tokenBacking, stateBacking = tokenDB, stateDB
	} else {
		tokenBacking, stateBacking = memdb.New(), memdb.New()
	}

	bl, err := blocklog.Open(cfg.DataDir, 1)
	if err != nil {
		return err
	}
	defer bl.Close()

	genesisKey, err := parseInitialKey(cfg.Genesis.InitialKey)
	if err != nil {
		return err
	}

	root := &types.BlockState{
		BlockNum: 0,
		Block: &types.SignedBlock{
			BlockHeader: types.BlockHeader{Timestamp: cfg.Genesis.InitialTimestamp},
		},
		ActiveSchedule: types.ProducerSchedule{
			Version: 0,
			Producers: []types.ProducerKey{
				{ProducerName: "genesis", BlockSigningKey: genesisKey},
			},
		},
	}

	ctrl := controller.New(chainID, stateBacking, tokenBacking, bl, root, dpos.New())

	if err := ctrl.Bootstrap(genesisKey); err != nil {
		return errors.Wrap(err, "bootstrap genesis domains")
	}

	ctx := c.Context
	if err := ctrl.ReplayBlockLog(ctx); err != nil {
		return errors.Wrap(err, "replay block log")
	}
	highestReversible, err := ctrl.HighestReversibleBlockNum()
	if err != nil {
		return errors.Wrap(err, "scan reversible block rows")
	}
	if highestReversible > ctrl.Head().BlockNum {
		if err := ctrl.ReplayReversibleBlocks(ctx, highestReversible); err != nil {
			return errors.Wrap(err, "replay reversible blocks")
		}
	}

	log.Info("controller started", "head_block_num", ctrl.Head().BlockNum)

	return nil
}

// parseInitialKey decodes the genesis producer's compressed public key,
// given hex-encoded in the node configuration.
func parseInitialKey(hexKey string) (cmntypes.PublicKey, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return cmntypes.PublicKey{}, errors.Wrap(err, "decode initial_key")
	}
	return cmntypes.NewPublicKeyFromBytes(b)
}
