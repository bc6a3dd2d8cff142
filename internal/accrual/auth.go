package accrual

// AdminKey authorizes configuration changes. New returns the only one.
// The field gives the type a non-zero size so that distinct keys never share
// an address.
type AdminKey struct{ _ byte }

// RegistryKey authorizes settlement notifications from the current stake
// registry. SetRegistry issues a fresh key and revokes the previous one.
type RegistryKey struct{ _ byte }

func (e *Engine) checkAdmin(k *AdminKey) error {
	if k == nil || k != e.admin {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) checkRegistry(k *RegistryKey) error {
	if k == nil || k != e.registryKey {
		return ErrUnauthorized
	}
	return nil
}
