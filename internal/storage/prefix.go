package storage

// PrefixDB namespaces a DB: every key is stored under a fixed prefix.
// The store keeps trees, proofs and metadata in separate PrefixDBs over
// one Badger instance.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB wraps inner so all keys live under prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: append([]byte(nil), prefix...)}
}

func (p *PrefixDB) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	return append(append(out, p.prefix...), k...)
}

func (p *PrefixDB) Get(key []byte) ([]byte, error) { return p.inner.Get(p.key(key)) }

func (p *PrefixDB) Put(key, value []byte) error { return p.inner.Put(p.key(key), value) }

func (p *PrefixDB) Delete(key []byte) error { return p.inner.Delete(p.key(key)) }

func (p *PrefixDB) Has(key []byte) (bool, error) { return p.inner.Has(p.key(key)) }

// ForEach passes keys to fn with the namespace prefix stripped.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return p.inner.ForEach(p.key(prefix), func(key, value []byte) error {
		return fn(key[len(p.prefix):], value)
	})
}

// DeleteAll removes every key in the namespace.
func (p *PrefixDB) DeleteAll() error {
	b := p.NewBatch()
	if err := p.ForEach(nil, func(key, _ []byte) error {
		return b.Delete(key)
	}); err != nil {
		return err
	}
	return b.Commit()
}

// Close does nothing; the inner DB owns the lifecycle.
func (p *PrefixDB) Close() error {
	return nil
}

// NewBatch returns a batch writing into the namespace. It is atomic when
// the inner DB implements Batcher.
func (p *PrefixDB) NewBatch() Batch {
	if b, ok := p.inner.(Batcher); ok {
		return &prefixBatch{p: p, inner: b.NewBatch()}
	}
	return &prefixBatch{p: p, inner: &directBatch{db: p.inner}}
}

type prefixBatch struct {
	p     *PrefixDB
	inner Batch
}

func (b *prefixBatch) Put(key, value []byte) error { return b.inner.Put(b.p.key(key), value) }
func (b *prefixBatch) Delete(key []byte) error     { return b.inner.Delete(b.p.key(key)) }
func (b *prefixBatch) Commit() error               { return b.inner.Commit() }

// directBatch applies writes one by one on Commit.
type directBatch struct {
	db  DB
	ops []memoryOp
}

func (b *directBatch) Put(key, value []byte) error {
	v := append([]byte{}, value...)
	b.ops = append(b.ops, memoryOp{key: string(key), value: v})
	return nil
}

func (b *directBatch) Delete(key []byte) error {
	b.ops = append(b.ops, memoryOp{key: string(key)})
	return nil
}

func (b *directBatch) Commit() error {
	for _, op := range b.ops {
		var err error
		if op.value == nil {
			err = b.db.Delete([]byte(op.key))
		} else {
			err = b.db.Put([]byte(op.key), op.value)
		}
		if err != nil {
			return err
		}
	}
	b.ops = nil
	return nil
}
