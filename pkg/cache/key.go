package cache

import (
	"path/filepath"
	"strconv"
)

// ShardKey scopes cache state to one shard of one snapshotted index.
type ShardKey struct {
	SnapshotUUID  string
	SnapshotIndex string
	ShardID       int
}

func (k ShardKey) String() string {
	return k.SnapshotUUID + "/" + k.SnapshotIndex + "/" + strconv.Itoa(k.ShardID)
}

// CacheKey identifies one cached file within a shard's remote blob scope.
type CacheKey struct {
	ShardKey
	FileName string
}

// ID is the stable identifier used as the persistent-cache document key.
func (k CacheKey) ID() string {
	return k.ShardKey.String() + "/" + k.FileName
}

// RelativePath is the cache file location below the cache directory.
func (k CacheKey) RelativePath() string {
	return filepath.Join(k.SnapshotUUID, k.SnapshotIndex, strconv.Itoa(k.ShardID), k.FileName)
}

// BlobName addresses the remote snapshot blob backing this cache file.
func (k CacheKey) BlobName() string {
	return k.ID()
}
