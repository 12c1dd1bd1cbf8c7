// Copyright (C) 2024 The dedup Authors

// Null package does nothing but correctly.
package null

// Null implementation of BuseReadWriter. Useful for measuring the raw
// performance of the transport without the dedup engine behind it. It also
// serves as the minimal template for a new device implementation since it
// implements exactly the BuseReadWriter interface and nothing else.
type null struct {
}

func NewNull() *null {
	return &null{}
}

func (n *null) BuseWrite(writes int64, chunk []byte) error {
	return nil
}

func (n *null) BuseRead(sector, length int64, chunk []byte) error {
	return nil
}

func (n *null) BusePreRun() {
}

func (n *null) BusePostRemove() {
}
