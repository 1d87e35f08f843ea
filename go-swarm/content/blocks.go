package content

import (
	"fmt"

	cid "github.com/ipfs/go-cid"
	multihash "github.com/multiformats/go-multihash"
)

// BlockList is a content addressed item: an ordered list of raw blocks under
// a root CID. Each block is verified against the multihash of its own CID.
type BlockList struct {
	root   cid.Cid
	blocks []cid.Cid
	sizes  []int
}

func NewBlockList(root cid.Cid, blocks []cid.Cid, sizes []int) (*BlockList, error) {
	if !root.Defined() {
		return nil, fmt.Errorf("block list root is undefined")
	}
	if len(blocks) != len(sizes) {
		return nil, fmt.Errorf("block list has %d cids but %d sizes", len(blocks), len(sizes))
	}
	for i, c := range blocks {
		if !c.Defined() || sizes[i] <= 0 {
			return nil, fmt.Errorf("block %d is invalid", i)
		}
	}
	return &BlockList{root: root, blocks: blocks, sizes: sizes}, nil
}

// BuildBlockList chunks data into raw sha2-256 blocks and derives a root
// CID over the concatenated block CIDs.
func BuildBlockList(data []byte, chunkSize int) (*BlockList, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	prefix := cid.NewPrefixV1(cid.Raw, multihash.SHA2_256)
	blocks := []cid.Cid{}
	sizes := []int{}
	manifest := []byte{}
	for begin := 0; begin < len(data); begin += chunkSize {
		end := begin + chunkSize
		if end > len(data) {
			end = len(data)
		}
		c, err := prefix.Sum(data[begin:end])
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, c)
		sizes = append(sizes, end-begin)
		manifest = append(manifest, c.Bytes()...)
	}
	root, err := cid.NewPrefixV1(cid.DagProtobuf, multihash.SHA2_256).Sum(manifest)
	if err != nil {
		return nil, err
	}
	return NewBlockList(root, blocks, sizes)
}

func (bl *BlockList) Root() cid.Cid {
	return bl.root
}

func (bl *BlockList) Block(index int) cid.Cid {
	return bl.blocks[index]
}

func (bl *BlockList) ContentID() ID {
	return FromCid(bl.root)
}

func (bl *BlockList) NumUnits() int {
	return len(bl.blocks)
}

func (bl *BlockList) UnitLength(index int) int {
	return bl.sizes[index]
}

func (bl *BlockList) UnitDigest(index int) []byte {
	return []byte(bl.blocks[index].Hash())
}

func (bl *BlockList) Hash(index int, data []byte) ([]byte, error) {
	if index < 0 || index >= len(bl.blocks) {
		return nil, fmt.Errorf("block index %d out of range", index)
	}
	decoded, err := multihash.Decode(bl.blocks[index].Hash())
	if err != nil {
		return nil, err
	}
	sum, err := multihash.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return nil, err
	}
	return []byte(sum), nil
}
