// Copyright (C) 2024 The dedup Authors

package dedup

import (
	"encoding/binary"

	"github.com/rs/zerolog/log"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	writeItemSize = 32

	// Extent flag bit marking a discard request. Discard extents carry no
	// data in the chunk; they route to Trim instead of Write.
	flagDiscard = 1

	// Sector is a linux constant, which is always 512, no matter how big
	// your sectors or blocks are. Please be careful since the terminology
	// is ambiguous.
	sectorUnit = 512
)

// Logical extent of one write command, parsed from the metadata section of
// the write chunk.
type extent struct {
	// Beginning of the extent, in device blocks.
	Sector int64

	// Length of the extent, in device blocks. Extent is continuous.
	Length int64

	// Sequential number of the write which produced this extent.
	SeqNo int64

	// Flag bits, see flagDiscard.
	Flag int64
}

// Handle writes coming from the buse library. writes is the number of write
// commands in this call and chunk is the memory where they are stored. The
// first metadataSize bytes are 32-byte extent headers, the rest is the data
// of all writes in the same order. Each extent is applied through the
// engine's write (or trim, for discards), so the dedup and refcount rules
// hold no matter which path the request took.
func (d *Device) BuseWrite(writes int64, chunk []byte) error {
	metadata := chunk[:d.metadataSize]
	data := chunk[d.metadataSize:]

	for i := int64(0); i < writes; i++ {
		e := parseExtent(metadata[:writeItemSize], d.blockSize)
		metadata = metadata[writeItemSize:]

		offset := e.Sector * d.blockSize
		length := e.Length * d.blockSize

		if e.Flag&flagDiscard != 0 {
			if err := d.Trim(offset, length); err != nil {
				return err
			}
			continue
		}

		if err := d.Write(offset, data[:length]); err != nil {
			return err
		}
		data = data[length:]
	}

	return nil
}

// Read extent starting at sector with length length into the buffer chunk.
func (d *Device) BuseRead(sector, length int64, chunk []byte) error {
	return d.Read(sector*d.blockSize, chunk[:length*d.blockSize])
}

// Nothing to restore before serving: the mapping lives in the store, not in
// process memory.
func (d *Device) BusePreRun() {
	log.Info().
		Int64("size", d.Size()).
		Int64("block_size", d.blockSize).
		Msg("dedup device ready")
}

// After disconnecting from the kernel module the store is released; every
// operation already committed before acknowledging, so there is no state to
// flush.
func (d *Device) BusePostRemove() {
	if err := d.store.Close(); err != nil {
		log.Info().Err(err).Send()
	}
}

// Parses write extent information from 32 bytes of raw memory. The memory
// is one write in the metadata section of the chunk.
func parseExtent(b []byte, blockSize int64) extent {
	return extent{
		Sector: int64(binary.LittleEndian.Uint64(b[:8]) * sectorUnit / uint64(blockSize)),
		Length: int64(binary.LittleEndian.Uint64(b[8:16]) * sectorUnit / uint64(blockSize)),
		SeqNo:  int64(binary.LittleEndian.Uint64(b[16:24])),
		Flag:   int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}
