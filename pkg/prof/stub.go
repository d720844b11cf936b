//go:build !profile

package prof

// Enabled reports whether profiling is compiled in.
const Enabled = false

// Start returns a session that records nothing.
func Start(cfg Config) (*Session, error) {
	return &Session{cfg: cfg}, nil
}

// Stop does nothing without the "profile" build tag.
func (s *Session) Stop() error { return nil }
