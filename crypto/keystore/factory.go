package keystore

// Backend names understood by NewKeystore.
const (
	// BackendKeyring picks the best OS keyring available on this platform.
	BackendKeyring = "keyring"
	// BackendFile stores keys in password-encrypted files under FileDir.
	BackendFile = "file"
	// BackendMemory keeps keys in process memory only.
	BackendMemory = "memory"
)

// Config selects and parameterizes a keystore backend.
type Config struct {
	Backend     string `koanf:"backend" validate:"omitempty,oneof=keyring file memory"`
	ServiceName string `koanf:"service_name"`
	// AllowedBackends restricts the keyring backends tried, e.g. "secret-service" or "keychain".
	AllowedBackends []string `koanf:"allowed_backends"`
	FileDir         string   `koanf:"file_dir"`
	FilePassword    string   `koanf:"file_password"`
}

// NewKeystore creates the keystore named by cfg.Backend, defaulting to the OS keyring.
func NewKeystore(cfg Config) (Keystore, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendKeyring
	}
	factory, err := GetKeystoreFactory(backend)
	if err != nil {
		return nil, err
	}
	return factory(cfg)
}
