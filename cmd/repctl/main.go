// Command repctl is a thin, read-only inspector over a ForwardManager,
// useful for manually exercising the bucket/reputation decision logic during
// development. It is not a network topology loader, a CSV bootstrap reader,
// or an attack-strategy driver -- those remain the surrounding simulation
// harness's job and are out of scope here.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/lightninglabs/lnd-reputation/clock"
	"github.com/lightninglabs/lnd-reputation/reputation"
	"github.com/lightninglabs/lnd-reputation/reputation/saltdb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "repctl:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		incomingSCID = flag.Uint64("incoming-scid", 1, "short channel ID of the incoming link")
		outgoingSCID = flag.Uint64("outgoing-scid", 2, "short channel ID of the outgoing link")
		capacityMsat = flag.Uint64("capacity-msat", 5_000_000_000, "capacity to assign each demo channel")
		amtInMsat    = flag.Uint64("amt-in-msat", 100_000, "incoming htlc amount")
		amtOutMsat   = flag.Uint64("amt-out-msat", 99_000, "outgoing htlc amount")
		cltvIn       = flag.Uint("cltv-in", 200, "incoming expiry height")
		cltvOut      = flag.Uint("cltv-out", 150, "outgoing expiry height")
		endorsed     = flag.Bool("endorsed", false, "set the incoming endorsement signal")
		upgradable   = flag.Bool("upgradable", true, "set the incoming upgradable signal")
		saltDBPath   = flag.String("saltdb", "", "optional directory for persisted slot-assignment salt")
		logFile      = flag.String("logfile", "", "optional rotating file to write debug-level logs to")
	)
	flag.Parse()

	if *logFile != "" {
		if err := initLogRotator(*logFile, btclog.LevelDebug); err != nil {
			return fmt.Errorf("initializing log rotator: %w", err)
		}
	}

	cfg := reputation.ForwardManagerConfig{
		ReputationParams: reputation.ReputationParams{
			RevenueWindow:        time.Hour,
			ReputationMultiplier: 12,
			ResolutionPeriod:     144,
		},
		GeneralSlotPortion:      50,
		GeneralLiquidityPortion: 50,
		Scheme:                  reputation.ReputationBidirectional,
	}

	if *saltDBPath != "" {
		store, err := saltdb.Open(*saltDBPath)
		if err != nil {
			return fmt.Errorf("opening salt db: %w", err)
		}
		defer store.Close()
		cfg.SaltSource = store
	}

	mgr, err := reputation.NewForwardManager(cfg)
	if err != nil {
		return fmt.Errorf("constructing forward manager: %w", err)
	}

	clk := clock.WallClock{}
	now := clk.Now()

	in := reputation.SCID(*incomingSCID)
	out := reputation.SCID(*outgoingSCID)

	if err := mgr.AddChannel(in, *capacityMsat, now, nil); err != nil {
		return fmt.Errorf("adding incoming channel: %w", err)
	}
	if err := mgr.AddChannel(out, *capacityMsat, now, nil); err != nil {
		return fmt.Errorf("adding outgoing channel: %w", err)
	}

	endorsement := reputation.Unendorsed
	if *endorsed {
		endorsement = reputation.Endorsed
	}

	forward := reputation.ProposedForward{
		Incoming:              reputation.HtlcRef{ChannelID: in, HtlcIndex: 0},
		Outgoing:              out,
		AmountInMsat:          *amtInMsat,
		AmountOutMsat:         *amtOutMsat,
		ExpiryInHeight:        uint32(*cltvIn),
		ExpiryOutHeight:       uint32(*cltvOut),
		AddedAt:               now,
		IncomingEndorsed:      endorsement,
		UpgradableEndorsement: *upgradable,
	}

	check, err := mgr.GetForwardingOutcome(forward)
	if err != nil {
		return fmt.Errorf("evaluating forward: %w", err)
	}

	outcome := check.ForwardingOutcome(
		forward.AmountOutMsat, forward.IncomingEndorsed,
		forward.UpgradableEndorsement, cfg.Scheme,
	)

	fmt.Printf("forward %d -> %d: %s\n", in, out, outcome)
	fmt.Printf("  congestion eligible: %v\n", check.CongestionEligible)
	fmt.Printf("  incoming reputation: %d (threshold %d)\n",
		check.ReputationCheck.Incoming.Reputation,
		check.ReputationCheck.Incoming.RevenueThreshold)
	fmt.Printf("  outgoing reputation: %d (threshold %d)\n",
		check.ReputationCheck.Outgoing.Reputation,
		check.ReputationCheck.Outgoing.RevenueThreshold)

	channels, err := mgr.ListChannels(now)
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}

	fmt.Println("channels:")
	for scid, snapshot := range channels {
		fmt.Printf("  %d: capacity=%d reputation=%d revenue=%d "+
			"liquidity_util=%.2f slot_util=%.2f\n",
			scid, snapshot.CapacityMsat, snapshot.OutgoingReputation,
			snapshot.IncomingRevenue, snapshot.IncomingLiquidityUtilization,
			snapshot.IncomingSlotUtilization)
	}

	return nil
}
