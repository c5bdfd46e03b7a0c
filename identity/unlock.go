package identity

// OpenWithCache unlocks blob using cache's fast-unlock entry for deviceID
// when present, falling back to deriving the key from password and
// storing the result in cache for next time. The password check always
// happens on a cache miss; a present-but-wrong cache entry is treated the
// same as absent rather than trusted blindly, since the cache is never a
// substitute for the password path.
func OpenWithCache(blob EncryptedBlob, password, deviceID string, cache *FastUnlockCache) (LocalDeviceConfig, error) {
	if cache != nil {
		if key, ok := cache.Get(deviceID); ok {
			if cfg, err := openWithKey(blob, key); err == nil {
				return cfg, nil
			}
			_ = cache.Clear(deviceID)
		}
	}

	cfg, err := Open(blob, password)
	if err != nil {
		return LocalDeviceConfig{}, err
	}
	if cache != nil {
		if key, kerr := deriveBlobKey(password, blob.Salt); kerr == nil {
			_ = cache.Store(deviceID, key)
		}
	}
	return cfg, nil
}
