package keychain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Descriptor is the external collaborator that turns a derivation index into
// a script pubkey. A single descriptor belongs to exactly one keychain for
// the lifetime of the index.
type Descriptor interface {
	// HasWildcard reports whether the descriptor can derive more than one
	// script pubkey. A fixed (non-wildcard) descriptor only ever derives
	// index 0.
	HasWildcard() bool
	// Derive computes the script pubkey at index. It fails for hardened
	// derivation steps and once the BIP-32 non-hardened child space is
	// exhausted.
	Derive(index uint32) ([]byte, error)
	// WitnessVersion reports the segwit version the derived outputs use,
	// if any.
	WitnessVersion() (version int, ok bool)
	// Checksum identifies the descriptor for equality comparisons; two
	// descriptors with the same checksum are considered identical.
	Checksum() string
}

// HDDescriptor is a Descriptor backed by a single BIP-32 extended key,
// deriving P2WPKH outputs at each non-hardened child index.
type HDDescriptor struct {
	key      *hdkeychain.ExtendedKey
	wildcard bool
	params   *chaincfg.Params
}

// NewHDDescriptor wraps key as a descriptor. wildcard controls whether
// Derive walks non-hardened children (true) or always returns the key's own
// script pubkey at index 0 (false).
func NewHDDescriptor(key *hdkeychain.ExtendedKey, wildcard bool, params *chaincfg.Params) *HDDescriptor {
	return &HDDescriptor{key: key, wildcard: wildcard, params: params}
}

func (d *HDDescriptor) HasWildcard() bool { return d.wildcard }

func (d *HDDescriptor) Derive(index uint32) ([]byte, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("keychain: index %d is a hardened step, not derivable from a public descriptor", index)
	}

	child := d.key
	if d.wildcard {
		derived, err := d.key.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("keychain: derive child %d: %w", index, err)
		}
		child = derived
	} else if index != 0 {
		return nil, fmt.Errorf("keychain: fixed descriptor has no derivation index %d", index)
	}

	pub, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("keychain: child %d public key: %w", index, err)
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), d.params)
	if err != nil {
		return nil, fmt.Errorf("keychain: child %d address: %w", index, err)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("keychain: child %d script: %w", index, err)
	}
	return script, nil
}

func (d *HDDescriptor) WitnessVersion() (int, bool) { return 0, true }

func (d *HDDescriptor) Checksum() string { return d.key.String() }

// DescriptorString renders a ranged output descriptor string suitable for
// bitcoind's importdescriptors/scantxoutset ("wpkh(xpub/*)"); bitcoind
// computes and appends its own checksum on import.
func (d *HDDescriptor) DescriptorString() string {
	if d.wildcard {
		return fmt.Sprintf("wpkh(%s/*)", d.key.String())
	}
	return fmt.Sprintf("wpkh(%s)", d.key.String())
}
