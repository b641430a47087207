package session

import (
	"time"

	"github.com/InsulaLabs/vessel/models"
	"github.com/jellydator/ttlcache/v3"
)

// Store holds activated keys by package and address until they expire.
type Store struct {
	cache *ttlcache.Cache[string, *Key]
}

func NewStore() *Store {
	cache := ttlcache.New[string, *Key](
		ttlcache.WithTTL[string, *Key](MaxTTLMinutes*time.Minute),
		ttlcache.WithDisableTouchOnHit[string, *Key](),
	)
	go cache.Start()
	return &Store{cache: cache}
}

func storeKey(pkg models.ID, addr models.Address) string {
	return pkg.String() + "/" + addr.String()
}

// Put replaces any key for the same package and address.
func (s *Store) Put(k *Key, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.cache.Set(storeKey(k.PackageID, k.Address), k, ttl)
}

func (s *Store) Get(pkg models.ID, addr models.Address) (*Key, bool) {
	item := s.cache.Get(storeKey(pkg, addr))
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (s *Store) Revoke(pkg models.ID, addr models.Address) {
	s.cache.Delete(storeKey(pkg, addr))
}

func (s *Store) Len() int { return s.cache.Len() }

func (s *Store) Close() { s.cache.Stop() }
