// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// AddressStrategy selects how the resolver picks the next derivation index
// when an address is requested.
type AddressStrategy uint8

const (
	// AddressNew always reveals a fresh index, advancing the keychain's
	// monotonic cursor.
	AddressNew AddressStrategy = iota

	// AddressLastUnused re-reveals the cursor's address as long as the
	// ledger shows no funds received at it, and otherwise behaves like
	// AddressNew.
	AddressLastUnused
)

// scriptKind is the output script template a descriptor expands to.
type scriptKind uint8

const (
	// scriptP2WPKH is a native segwit v0 key hash script.
	scriptP2WPKH scriptKind = iota

	// scriptP2PKH is a legacy key hash script.
	scriptP2PKH

	// scriptP2TR is a taproot key-path-only script (BIP86 tweak).
	scriptP2TR

	// scriptFixed is a descriptor with no wildcard: a single constant
	// address.
	scriptFixed
)

// Descriptor is a parsed output descriptor: a template that expands a
// derivation index into a spending script and address. Supported templates
// are wpkh(...), pkh(...), tr(...) over an extended key with an optional
// trailing wildcard, and addr(...) for a fixed address.
type Descriptor struct {
	raw    string
	kind   scriptKind
	params *chaincfg.Params

	// key is the extended key with the descriptor's fixed path already
	// applied. It is nil for addr() descriptors.
	key *hdkeychain.ExtendedKey

	// wildcard is true when the template ends in /*, meaning one more
	// derivation step indexed by the caller.
	wildcard bool

	// fixedAddr and fixedScript are set for addr() descriptors and for
	// wildcard-less key templates after the first derivation.
	fixedAddr   btcutil.Address
	fixedScript []byte
}

// ParseDescriptor parses a descriptor string against the given network. Any
// trailing checksum ("#...") is accepted and ignored.
func ParseDescriptor(desc string,
	params *chaincfg.Params) (*Descriptor, error) {

	raw := desc
	if idx := strings.LastIndexByte(desc, '#'); idx != -1 {
		desc = desc[:idx]
	}

	open := strings.IndexByte(desc, '(')
	if open == -1 || !strings.HasSuffix(desc, ")") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDescriptor, raw)
	}

	name := desc[:open]
	inner := desc[open+1 : len(desc)-1]

	var kind scriptKind
	switch name {
	case "wpkh":
		kind = scriptP2WPKH

	case "pkh":
		kind = scriptP2PKH

	case "tr":
		kind = scriptP2TR

	case "addr":
		return parseFixedDescriptor(raw, inner, params)

	default:
		return nil, fmt.Errorf("%w: unsupported template %q",
			ErrInvalidDescriptor, name)
	}

	d := &Descriptor{raw: raw, kind: kind, params: params}

	err := d.parseKeyExpr(inner)
	if err != nil {
		return nil, err
	}

	// A wildcard-less key template is a single constant address; expand
	// it once so both strategies degenerate to the same result.
	if !d.wildcard {
		addr, script, err := d.expand(d.key)
		if err != nil {
			return nil, err
		}

		d.fixedAddr, d.fixedScript = addr, script
	}

	return d, nil
}

// parseFixedDescriptor handles the addr(...) template.
func parseFixedDescriptor(raw, inner string,
	params *chaincfg.Params) (*Descriptor, error) {

	addr, err := btcutil.DecodeAddress(inner, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidDescriptor,
			inner, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("%w: address %q is not for %s",
			ErrInvalidDescriptor, inner, params.Name)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	return &Descriptor{
		raw:         raw,
		kind:        scriptFixed,
		params:      params,
		fixedAddr:   addr,
		fixedScript: script,
	}, nil
}

// parseKeyExpr parses the inner key expression of a key-based template: an
// optional [origin] prefix, an extended key, and a derivation path that may
// end in a wildcard. The fixed path steps are applied eagerly so that per
// index derivation is a single child step.
func (d *Descriptor) parseKeyExpr(inner string) error {
	// Strip a key-origin prefix like [73c5da0a/84h/0h/0h]; the origin
	// only matters to the signer, not to address derivation.
	if strings.HasPrefix(inner, "[") {
		end := strings.IndexByte(inner, ']')
		if end == -1 {
			return fmt.Errorf("%w: unterminated key origin in %q",
				ErrInvalidDescriptor, d.raw)
		}

		inner = inner[end+1:]
	}

	parts := strings.Split(inner, "/")

	key, err := hdkeychain.NewKeyFromString(parts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	steps := parts[1:]
	if len(steps) > 0 && steps[len(steps)-1] == "*" {
		d.wildcard = true
		steps = steps[:len(steps)-1]
	}

	for _, step := range steps {
		index, err := parsePathStep(step, key.IsPrivate())
		if err != nil {
			return fmt.Errorf("%w: path step %q in %q: %v",
				ErrInvalidDescriptor, step, d.raw, err)
		}

		key, err = key.Derive(index)
		if err != nil {
			return fmt.Errorf("%w: derive %q: %v",
				ErrInvalidDescriptor, step, err)
		}
	}

	d.key = key

	return nil
}

// parsePathStep parses one derivation path element. Hardened steps are only
// derivable from a private extended key.
func parsePathStep(step string, private bool) (uint32, error) {
	hardened := false
	if strings.HasSuffix(step, "h") || strings.HasSuffix(step, "'") ||
		strings.HasSuffix(step, "H") {

		hardened = true
		step = step[:len(step)-1]
	}

	index, err := strconv.ParseUint(step, 10, 32)
	if err != nil {
		return 0, err
	}
	if index >= hdkeychain.HardenedKeyStart {
		return 0, fmt.Errorf("index %d out of range", index)
	}

	if hardened {
		if !private {
			return 0, fmt.Errorf(
				"hardened step on a public key")
		}

		return uint32(index) + hdkeychain.HardenedKeyStart, nil
	}

	return uint32(index), nil
}

// Derivable reports whether the descriptor yields distinct addresses per
// index. A non-derivable descriptor collapses the cursor concept to a
// constant.
func (d *Descriptor) Derivable() bool {
	return d.wildcard
}

// DeriveAddress expands the descriptor at the given index into an address
// and its pkScript. For non-derivable descriptors the index is ignored.
func (d *Descriptor) DeriveAddress(index uint32) (btcutil.Address, []byte,
	error) {

	if !d.wildcard {
		return d.fixedAddr, d.fixedScript, nil
	}

	child, err := d.key.Derive(index)
	if err != nil {
		return nil, nil, fmt.Errorf("derive index %d: %w", index, err)
	}

	return d.expand(child)
}

// expand converts a fully derived key into the descriptor's address form.
func (d *Descriptor) expand(key *hdkeychain.ExtendedKey) (btcutil.Address,
	[]byte, error) {

	pub, err := key.ECPubKey()
	if err != nil {
		return nil, nil, err
	}

	var addr btcutil.Address
	switch d.kind {
	case scriptP2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(pub.SerializeCompressed()), d.params,
		)

	case scriptP2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(pub.SerializeCompressed()), d.params,
		)

	case scriptP2TR:
		taprootKey := txscript.ComputeTaprootKeyNoScript(pub)
		addr, err = btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(taprootKey), d.params,
		)

	default:
		return nil, nil, fmt.Errorf("%w: cannot expand kind %d",
			ErrInvalidDescriptor, d.kind)
	}
	if err != nil {
		return nil, nil, err
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}

	return addr, script, nil
}

// Private reports whether the descriptor carries private key material and
// can therefore produce signatures, not just addresses.
func (d *Descriptor) Private() bool {
	return d.key != nil && d.key.IsPrivate()
}

// DerivePrivKey derives the private key behind the descriptor's script at
// the given index. It fails for watch-only and addr() descriptors.
func (d *Descriptor) DerivePrivKey(index uint32) (*btcec.PrivateKey,
	error) {

	if !d.Private() {
		return nil, fmt.Errorf("%w: descriptor has no private key",
			ErrInvalidDescriptor)
	}

	key := d.key
	if d.wildcard {
		child, err := key.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("derive index %d: %w", index,
				err)
		}
		key = child
	}

	return key.ECPrivKey()
}

// String returns the descriptor as it was parsed.
func (d *Descriptor) String() string {
	return d.raw
}

// resolver tracks the wallet's descriptor pair and the monotonic derivation
// cursor of each keychain. Cursor movements are write-through to the ledger
// store so LastUnused survives restarts.
type resolver struct {
	mu sync.Mutex

	descriptors [2]*Descriptor
	cursors     [2]uint32

	store LedgerStore
}

// newResolver creates a resolver over the given descriptor pair, seeding
// the cursors from a persisted snapshot.
func newResolver(external, internal *Descriptor, cursors [2]uint32,
	store LedgerStore) *resolver {

	return &resolver{
		descriptors: [2]*Descriptor{external, internal},
		cursors:     cursors,
		store:       store,
	}
}

// descriptor returns the descriptor backing a keychain.
func (r *resolver) descriptor(keychain Keychain) *Descriptor {
	return r.descriptors[keychain]
}

// deriveAddress expands a keychain's descriptor at the given index.
func (r *resolver) deriveAddress(keychain Keychain, index uint32) (
	btcutil.Address, []byte, error) {

	return r.descriptors[keychain].DeriveAddress(index)
}

// nextIndex picks the derivation index to reveal for the given strategy.
// The used predicate reports whether the ledger shows funds received at a
// script; it backs the LastUnused strategy.
func (r *resolver) nextIndex(keychain Keychain, strategy AddressStrategy,
	used func(pkScript []byte) bool) (uint32, error) {

	desc := r.descriptors[keychain]
	if !desc.Derivable() {
		// Constant descriptor: there is only index zero.
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch strategy {
	case AddressNew:
		index := r.cursors[keychain]
		r.cursors[keychain] = index + 1

		err := r.store.PutCursor(keychain, r.cursors[keychain])
		if err != nil {
			return 0, err
		}

		return index, nil

	case AddressLastUnused:
		// Walk the cursor forward past used addresses. The cursor
		// stays at the returned index so repeated LastUnused calls
		// re-reveal the same address until it receives funds.
		for {
			index := r.cursors[keychain]

			_, script, err := desc.DeriveAddress(index)
			if err != nil {
				return 0, err
			}

			if !used(script) {
				return index, nil
			}

			r.cursors[keychain] = index + 1

			err = r.store.PutCursor(
				keychain, r.cursors[keychain],
			)
			if err != nil {
				return 0, err
			}
		}

	default:
		return 0, fmt.Errorf("unknown address strategy %d", strategy)
	}
}

// advanceCursor moves a keychain's cursor to at least next. The syncer uses
// this after discovering chain activity at indices the cursor had not yet
// revealed.
func (r *resolver) advanceCursor(keychain Keychain, next uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if next <= r.cursors[keychain] {
		return nil
	}

	r.cursors[keychain] = next

	return r.store.PutCursor(keychain, next)
}

// cursor returns a keychain's current cursor position.
func (r *resolver) cursor(keychain Keychain) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cursors[keychain]
}
