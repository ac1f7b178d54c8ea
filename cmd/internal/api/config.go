package api

const defaultMaxBodyBytes = 1 << 20

// Config controls REST API behavior.
type Config struct {
	// TrustProxy honors X-Forwarded-For / X-Real-IP when keying redeem rate limits.
	TrustProxy   bool
	MaxBodyBytes int64

	// QRSize is the PNG edge length in pixels for ?format=png.
	QRSize int
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: defaultMaxBodyBytes, QRSize: 256}
}

func (c Config) normalized() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.QRSize <= 0 {
		c.QRSize = 256
	}
	return c
}
