// Package extractor decodes a tracked pool's post-transaction storage into
// slot0 and tick records.
package extractor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"univ3-pool-states/internal/domain"
	"univ3-pool-states/internal/errs"
	"univ3-pool-states/internal/replay"
	"univ3-pool-states/internal/uniswapv3"
)

// Options contains configuration for creating an Extractor.
type Options struct {
	Replayer  replay.Replayer
	SkipSlot0 bool // do not produce PoolSlot0
	SkipTicks bool // do not enumerate ticks
	Logger    logrus.FieldLogger
}

// Extractor produces the pool state after one transaction. It holds no
// per-job state and is safe for concurrent use.
type Extractor struct {
	replayer  replay.Replayer
	skipSlot0 bool
	skipTicks bool
	logger    logrus.FieldLogger
}

// New creates an Extractor.
func New(opts Options) (*Extractor, error) {
	if opts.Replayer == nil {
		return nil, errors.New("extractor: replayer is required")
	}
	if opts.SkipSlot0 && opts.SkipTicks {
		return nil, errors.New("extractor: slot0 and ticks are both disabled")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Extractor{
		replayer:  opts.Replayer,
		skipSlot0: opts.SkipSlot0,
		skipTicks: opts.SkipTicks,
		logger:    logger.WithField("component", "extractor"),
	}, nil
}

// Extract replays through job's transaction and decodes the pool's slot0 and
// every initialized tick. It performs no writes; the result is complete or an
// *errs.Error is returned.
func (e *Extractor) Extract(ctx context.Context, job domain.ExtractionJob, meta *domain.PoolMetadata) (*domain.PoolState, error) {
	if meta == nil {
		return nil, errs.Configuration(errs.CodeMissingMetadata,
			fmt.Sprintf("no metadata for pool %s", domain.HexAddress(job.PoolAddress)))
	}
	if meta.Address != job.PoolAddress {
		return nil, errs.Configuration(errs.CodeMissingMetadata,
			fmt.Sprintf("metadata for %s passed for pool %s", domain.HexAddress(meta.Address), domain.HexAddress(job.PoolAddress)))
	}
	if meta.TickSpacing <= 0 {
		return nil, errs.Configuration(errs.CodeMissingMetadata,
			fmt.Sprintf("pool %s has tick spacing %d", domain.HexAddress(meta.Address), meta.TickSpacing))
	}

	reader, err := e.replayer.ReplayThrough(ctx, job.BlockNumber, job.TxIndex)
	if err != nil {
		return nil, asReplayError(err, "replay through transaction")
	}

	state := &domain.PoolState{Job: job}

	// slot0 is read even when it is not emitted: its tick consistency check
	// is the cheapest guard against a wrong layout or replay point.
	slot0, err := e.readSlot0(ctx, reader, job, meta)
	if err != nil {
		return nil, err
	}
	if !e.skipSlot0 {
		state.Slot0 = slot0
	}

	if !e.skipTicks {
		ticks, err := e.readTicks(ctx, reader, job, meta)
		if err != nil {
			return nil, err
		}
		state.Ticks = ticks
	}

	e.logger.WithFields(logrus.Fields(job.LogFields())).
		WithField("ticks", len(state.Ticks)).
		Debug("extracted pool state")

	return state, nil
}

func (e *Extractor) readSlot0(ctx context.Context, reader replay.StorageReader, job domain.ExtractionJob, meta *domain.PoolMetadata) (*domain.PoolSlot0, error) {
	word, err := reader.Read(ctx, job.PoolAddress, uniswapv3.SlotHash(uniswapv3.Slot0Slot))
	if err != nil {
		return nil, asReplayError(err, "read slot0")
	}

	s, err := uniswapv3.DecodeSlot0(word)
	if err != nil {
		return nil, decodeError("decode slot0", err)
	}
	if err := uniswapv3.CheckTickConsistency(s.Tick, s.SqrtPriceX96); err != nil {
		return nil, errs.DataIntegrity(errs.CodeDecodeMismatch, "slot0 tick does not match sqrtPriceX96", err)
	}

	return &domain.PoolSlot0{
		BlockNumber:                job.BlockNumber,
		PoolAddress:                job.PoolAddress,
		TxHash:                     job.TxHash,
		TxIndex:                    job.TxIndex,
		Token0:                     meta.Token0,
		Token0Decimals:             meta.Token0Decimals,
		Token1:                     meta.Token1,
		Token1Decimals:             meta.Token1Decimals,
		Tick:                       s.Tick,
		SqrtPriceX96:               s.SqrtPriceX96,
		CalculatedPrice:            uniswapv3.Price(s.SqrtPriceX96, meta.Token0Decimals, meta.Token1Decimals),
		ObservationIndex:           s.ObservationIndex,
		ObservationCardinality:     s.ObservationCardinality,
		ObservationCardinalityNext: s.ObservationCardinalityNext,
		FeeProtocol:                s.FeeProtocol,
		Unlocked:                   s.Unlocked,
	}, nil
}

// readTicks enumerates ticks flagged in the bitmap, ascending, and decodes
// their Tick.Info. One batched read covers the bitmap and one the tick words.
func (e *Extractor) readTicks(ctx context.Context, reader replay.StorageReader, job domain.ExtractionJob, meta *domain.PoolMetadata) ([]*domain.PoolTickInfo, error) {
	minWord, maxWord := uniswapv3.BitmapWordRange(meta.TickSpacing)

	bitmapSlots := make([]common.Hash, 0, int(maxWord)-int(minWord)+1)
	for w := int(minWord); w <= int(maxWord); w++ {
		bitmapSlots = append(bitmapSlots, uniswapv3.BitmapSlot(int16(w)))
	}

	words, err := reader.ReadMany(ctx, job.PoolAddress, bitmapSlots)
	if err != nil {
		return nil, asReplayError(err, "read tick bitmap")
	}
	if len(words) != len(bitmapSlots) {
		return nil, errs.Transient(errs.CodeStorageRead,
			fmt.Sprintf("bitmap read returned %d of %d words", len(words), len(bitmapSlots)), nil)
	}

	var ticks []int32
	for i, word := range words {
		wordPos := int16(int(minWord) + i)
		for _, bit := range uniswapv3.SetBits(word) {
			tick := uniswapv3.TickAt(wordPos, bit, meta.TickSpacing)
			if tick < uniswapv3.MinTick || tick > uniswapv3.MaxTick {
				return nil, errs.DataIntegrity(errs.CodeUnexpectedLayout,
					fmt.Sprintf("bitmap word %d bit %d maps to tick %d outside TickMath bounds", wordPos, bit, tick), nil)
			}
			ticks = append(ticks, tick)
		}
	}
	if len(ticks) == 0 {
		return nil, nil
	}

	infoSlots := make([]common.Hash, 0, len(ticks)*uniswapv3.TickInfoWords)
	for _, tick := range ticks {
		slots := uniswapv3.TickInfoSlots(tick)
		infoSlots = append(infoSlots, slots[:]...)
	}

	infoWords, err := reader.ReadMany(ctx, job.PoolAddress, infoSlots)
	if err != nil {
		return nil, asReplayError(err, "read tick info")
	}
	if len(infoWords) != len(infoSlots) {
		return nil, errs.Transient(errs.CodeStorageRead,
			fmt.Sprintf("tick info read returned %d of %d words", len(infoWords), len(infoSlots)), nil)
	}

	result := make([]*domain.PoolTickInfo, 0, len(ticks))
	for i, tick := range ticks {
		var w [uniswapv3.TickInfoWords]common.Hash
		copy(w[:], infoWords[i*uniswapv3.TickInfoWords:(i+1)*uniswapv3.TickInfoWords])

		info, err := uniswapv3.DecodeTickInfo(w)
		if err != nil {
			return nil, decodeError(fmt.Sprintf("decode tick %d", tick), err)
		}
		if !info.Initialized || info.LiquidityGross.Sign() == 0 {
			return nil, errs.DataIntegrity(errs.CodeDecodeMismatch,
				fmt.Sprintf("tick %d is flagged in the bitmap but not initialized", tick), nil)
		}

		result = append(result, &domain.PoolTickInfo{
			BlockNumber:                    job.BlockNumber,
			PoolAddress:                    job.PoolAddress,
			TxHash:                         job.TxHash,
			TxIndex:                        job.TxIndex,
			Tick:                           tick,
			TickSpacing:                    meta.TickSpacing,
			LiquidityGross:                 info.LiquidityGross,
			LiquidityNet:                   info.LiquidityNet,
			FeeGrowthOutside0X128:          info.FeeGrowthOutside0X128,
			FeeGrowthOutside1X128:          info.FeeGrowthOutside1X128,
			TickCumulativeOutside:          info.TickCumulativeOutside,
			SecondsPerLiquidityOutsideX128: info.SecondsPerLiquidityOutsideX128,
			SecondsOutside:                 info.SecondsOutside,
			Initialized:                    info.Initialized,
		})
	}

	return result, nil
}

// asReplayError keeps an already categorised error and treats anything else
// from the replay collaborator as transient.
func asReplayError(err error, msg string) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.Transient(errs.CodeReplayUnavailable, msg, err)
}

func decodeError(msg string, err error) error {
	code := errs.CodeDecodeMismatch
	if errors.Is(err, uniswapv3.ErrUnexpectedLayout) {
		code = errs.CodeUnexpectedLayout
	}
	return errs.DataIntegrity(code, msg, err)
}
