// ABOUTME: SecondaryIndex maintains a duplicate-key B+ tree mapping derived keys to primary keys
// ABOUTME: generalized onto the fixed-size tree so non-unique derived keys resolve to primary keys

package engine

import (
	"hash/fnv"
	"path/filepath"

	"github.com/nainya/pagekv/pkg/btree"
)

// KeyExtractor derives a secondary index key from a stored value.
type KeyExtractor func(value []byte) []byte

// SecondaryIndex maps an extracted key to every primary key that produced
// it, via btree.DuplicateIndex so non-unique derived keys are supported.
type SecondaryIndex struct {
	Name      string
	extractor KeyExtractor
	dup       *btree.DuplicateIndex
	keySize   int
}

func indexFileID(collectionID int32, name string) int32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	// Fold the collection id in so identically named indexes on two
	// collections don't collide on the same header-store slot.
	return int32(h.Sum32()) ^ (collectionID << 16)
}

// CreateIndex opens (or creates) a secondary index over this collection,
// keyed by extractor(value), with keySize bytes per derived key.
func (c *Collection) CreateIndex(name string, keySize int, extractor KeyExtractor) (*SecondaryIndex, error) {
	id := indexFileID(c.meta.ID, name)
	path := filepath.Join(c.db.dir, "index_"+c.meta.Name+"_"+name+".dat")

	// Each value slot holds a BinaryList: a 4-byte count followed by up to
	// 16 primary keys of meta.KeySize bytes.
	layout := btree.NewLayout(c.db.cfg.BTreeDegree, keySize, 4+16*c.meta.KeySize)
	storage, err := btree.OpenStorage(path, layout)
	if err != nil {
		return nil, err
	}
	var session btree.Session
	if c.db.cfg.UseBufferedIO {
		session = btree.NewBufferedSession(storage, layout, c.db.metrics)
	} else {
		session = btree.NewImmediateSession(storage, c.db.metrics)
	}
	tree, err := btree.NewTree(id, layout, session, c.db.headers, c.db.metrics, c.db.log)
	if err != nil {
		return nil, err
	}

	idx := &SecondaryIndex{
		Name:      name,
		extractor: extractor,
		dup:       btree.NewDuplicateIndex(tree, c.meta.KeySize),
		keySize:   keySize,
	}
	c.indexes = append(c.indexes, idx)
	return idx, nil
}

// Lookup returns every primary key whose record produced derivedKey.
func (idx *SecondaryIndex) Lookup(derivedKey []byte) ([][]byte, error) {
	enc := encodeKey(derivedKey, idx.keySize)
	return idx.dup.Get(enc)
}

func (c *Collection) maintainIndexesOnPut(encPrimaryKey, value []byte) error {
	for _, idx := range c.indexes {
		derived := idx.extractor(value)
		enc := encodeKey(derived, idx.keySize)
		if err := idx.dup.Put(enc, encPrimaryKey); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) maintainIndexesOnDelete(encPrimaryKey, value []byte) error {
	for _, idx := range c.indexes {
		derived := idx.extractor(value)
		enc := encodeKey(derived, idx.keySize)
		if _, err := idx.dup.Remove(enc, encPrimaryKey); err != nil {
			return err
		}
	}
	return nil
}
