package console

// DefaultChunkSize is the size of output parts reported to the registry.
const DefaultChunkSize = 512

// Chunker batches lines into parts of at most size bytes. Parts are
// numbered from 1.
type Chunker struct {
	size int
	buf  []byte
	part uint64
	emit func(partNr uint64, data []byte) error
}

func NewChunker(size int, emit func(partNr uint64, data []byte) error) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Chunker{size: size, emit: emit}
}

func (c *Chunker) WriteLine(line []byte) error {
	c.buf = append(c.buf, line...)
	for len(c.buf) >= c.size {
		if err := c.flush(c.size); err != nil {
			return err
		}
	}
	return nil
}

// Close emits whatever is left in the buffer.
func (c *Chunker) Close() error {
	if len(c.buf) == 0 {
		return nil
	}
	return c.flush(len(c.buf))
}

// Parts is the number of parts emitted so far.
func (c *Chunker) Parts() uint64 { return c.part }

func (c *Chunker) flush(n int) error {
	data := make([]byte, n)
	copy(data, c.buf[:n])
	c.buf = c.buf[n:]
	c.part++
	return c.emit(c.part, data)
}
