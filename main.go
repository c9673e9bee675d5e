package main

import (
	"path/filepath"

	"github.com/Dicondur/openHistorian/archive"
	"github.com/Dicondur/openHistorian/codec"
	"github.com/Dicondur/openHistorian/config"
	"github.com/Dicondur/openHistorian/logging"
	"github.com/Dicondur/openHistorian/points"
	"github.com/Dicondur/openHistorian/pool"
	"github.com/Dicondur/openHistorian/sortbuf"
)

func main() {
	cfg := config.LoadConfig()
	logger := logging.CreateLogger(cfg.LogLevel)

	memoryPool := pool.New(*logger, pool.Options{
		PageSize: cfg.PoolPageSize,
		MaxPages: cfg.PoolMaxPages,
	})

	directory := cfg.ArchiveDirectory
	if directory == "" {
		directory = "."
	}
	file, err := archive.Create(*logger, memoryPool, filepath.Join(directory, "demo.d2"), archive.FileOptions{
		BlockSize: cfg.BlockSize,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create archive")
		return
	}
	defer file.Dispose()

	// stage an unsorted ingest batch
	buffer := sortbuf.NewSortedPointBuffer(cfg.SortBufferCapacity, points.PointKeyOps(), points.PointValueOps())
	for _, sample := range []struct {
		timestamp uint64
		pointID   uint64
		value     uint64
	}{
		{1700000003, 12, 420},
		{1700000001, 12, 400},
		{1700000002, 7, 88},
		{1700000001, 7, 86},
	} {
		key := points.Key{Timestamp: sample.timestamp, PointID: sample.pointID}
		value := points.Value{Value1: sample.value}
		if ok, err := buffer.TryEnqueue(&key, &value); err != nil || !ok {
			logger.Error().Err(err).Msg("failed to stage point")
			return
		}
	}
	buffer.SetReading(true)

	// encode the sorted stream into the uncommitted tail
	session, err := file.NewIoSession()
	if err != nil {
		logger.Error().Err(err).Msg("failed to open io session")
		return
	}
	defer session.Close()

	header := file.Header()
	blockStart := header.EndOfCommitted()
	block, err := session.GetBlock(blockStart, true)
	if err != nil {
		logger.Error().Err(err).Msg("failed to get tail block")
		return
	}

	encoder := codec.NewPointCodec()
	offset := 0
	records := 0
	var key points.Key
	var value points.Value
	for {
		ok, err := buffer.ReadNext(&key, &value)
		if err != nil || !ok {
			break
		}
		offset = encoder.Encode(block.Data, offset, &key, &value)
		records++
	}

	if err := file.FlushWithHeader(header.LastAllocatedBlock + 1); err != nil {
		logger.Error().Err(err).Msg("commit failed")
		return
	}
	logger.Info().Msgf("committed %d records in %d bytes", records, offset)

	// scan the committed block back
	block, err = session.GetBlock(blockStart, false)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read committed block")
		return
	}
	decoder := codec.NewPointCodec()
	offset = 0
	for i := 0; i < records; i++ {
		offset = decoder.Decode(block.Data, offset, &key, &value)
		logger.Info().Msgf("point id=%d ts=%d value=%d", key.PointID, key.Timestamp, value.Value1)
	}
}
