package wallet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

var (
	// ErrDescriptorFormat is returned for descriptors that can't be
	// parsed or that use script nesting the engine doesn't handle.
	ErrDescriptorFormat = errors.New("invalid descriptor format")

	// ErrDescriptorArgument is returned for well formed descriptors with
	// arguments the engine doesn't accept, such as multipath key
	// expressions.
	ErrDescriptorArgument = errors.New("invalid descriptor argument")
)

// ToOutputDescriptor renders the receive descriptor of a wallet, including
// key origins and checksum.
func ToOutputDescriptor(w *Wallet, params *chaincfg.Params) (string, error) {
	template, err := DeriveStrategy(w, params)
	if err != nil {
		return "", err
	}

	return template.Descriptor(BranchReceive)
}

// Descriptor renders the template with ranged keys on the given branch.
func (t *ScriptTemplate) Descriptor(branch uint32) (string, error) {
	keys := make([]string, len(t.Keys))
	for i, k := range t.Keys {
		origin := k.Fingerprint.String()
		if len(k.Path) > 0 {
			origin += "/" + FormatPath(k.Path)
		}
		keys[i] = fmt.Sprintf("[%s]%s/%d/*", origin, k.XPub, branch)
	}

	var desc string
	if t.IsMultisig() {
		name := "multi"
		if t.Sorted {
			name = "sortedmulti"
		}
		inner := fmt.Sprintf(
			"%s(%d,%s)", name, t.Required, strings.Join(keys, ","),
		)

		switch t.AddressType {
		case AddressTypeNativeSegwit:
			desc = "wsh(" + inner + ")"

		case AddressTypeLegacy:
			desc = "sh(" + inner + ")"

		default:
			return "", fmt.Errorf("%v multisig: %w", t.AddressType,
				ErrNotSupported)
		}
	} else {
		switch t.AddressType {
		case AddressTypeNativeSegwit:
			desc = "wpkh(" + keys[0] + ")"

		case AddressTypeNestedSegwit:
			desc = "sh(wpkh(" + keys[0] + "))"

		case AddressTypeLegacy:
			desc = "pkh(" + keys[0] + ")"

		default:
			return "", fmt.Errorf("%v single key: %w", t.AddressType,
				ErrNotSupported)
		}
	}

	return AddDescriptorChecksum(desc)
}

// ParseOutputDescriptor parses a descriptor produced by ToOutputDescriptor
// (or an equivalent one from another wallet) back into a script template.
func ParseOutputDescriptor(desc string,
	params *chaincfg.Params) (*ScriptTemplate, error) {

	body, err := splitDescriptorChecksum(strings.TrimSpace(desc))
	if err != nil {
		return nil, err
	}

	p := &descParser{params: params, branch: -1}

	name, args, err := splitFunc(body)
	if err != nil {
		return nil, err
	}

	switch name {
	case "wsh":
		return p.parseMulti(args, AddressTypeNativeSegwit)

	case "sh":
		innerName, innerArgs, err := splitFunc(args)
		if err != nil {
			return nil, err
		}

		switch innerName {
		case "wpkh":
			return p.parseSingle(innerArgs, AddressTypeNestedSegwit)

		case "multi", "sortedmulti":
			return p.parseMulti(args, AddressTypeLegacy)

		case "wsh":
			return nil, fmt.Errorf("%w: sh(wsh(...)) nesting is "+
				"not supported", ErrDescriptorFormat)

		default:
			return nil, fmt.Errorf("%w: unexpected %v inside sh()",
				ErrDescriptorFormat, innerName)
		}

	case "wpkh":
		return p.parseSingle(args, AddressTypeNativeSegwit)

	case "pkh":
		return p.parseSingle(args, AddressTypeLegacy)

	case "tr":
		return nil, fmt.Errorf("taproot descriptors: %w",
			ErrNotSupported)

	default:
		return nil, fmt.Errorf("%w: unknown script expression %q",
			ErrDescriptorFormat, name)
	}
}

// splitFunc splits "name(args)" into its parts.
func splitFunc(expr string) (string, string, error) {
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", "", fmt.Errorf("%w: expected name(...), got %q",
			ErrDescriptorFormat, expr)
	}

	return expr[:open], expr[open+1 : len(expr)-1], nil
}

type descParser struct {
	params *chaincfg.Params

	// branch is the branch shared by all keys, -1 until the first key
	// was parsed.
	branch int64
}

func (p *descParser) parseSingle(args string,
	addrType AddressType) (*ScriptTemplate, error) {

	key, err := p.parseKey(args)
	if err != nil {
		return nil, err
	}

	return newScriptTemplate(
		addrType, 1, true, []TemplateKey{*key}, p.params,
	), nil
}

func (p *descParser) parseMulti(expr string,
	addrType AddressType) (*ScriptTemplate, error) {

	name, args, err := splitFunc(expr)
	if err != nil {
		return nil, err
	}

	var sorted bool
	switch name {
	case "sortedmulti":
		sorted = true

	case "multi":

	default:
		return nil, fmt.Errorf("%w: expected multi or sortedmulti, "+
			"got %q", ErrDescriptorFormat, name)
	}

	parts := strings.Split(args, ",")
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: multisig needs a threshold and at "+
			"least two keys", ErrDescriptorFormat)
	}

	required, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid threshold %q",
			ErrDescriptorFormat, parts[0])
	}

	keys := make([]TemplateKey, 0, len(parts)-1)
	for _, part := range parts[1:] {
		key, err := p.parseKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}

	if required < 1 || required > len(keys) {
		return nil, fmt.Errorf("%w: threshold %d out of range 1..%d",
			ErrDescriptorArgument, required, len(keys))
	}

	return newScriptTemplate(
		addrType, required, sorted, keys, p.params,
	), nil
}

// parseKey parses "[fingerprint/path]xpub/<branch>/*".
func (p *descParser) parseKey(expr string) (*TemplateKey, error) {
	if !strings.HasPrefix(expr, "[") {
		return nil, fmt.Errorf("%w: key %q has no origin",
			ErrDescriptorFormat, expr)
	}

	end := strings.IndexByte(expr, ']')
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated key origin",
			ErrDescriptorFormat)
	}

	origin, rest := expr[1:end], expr[end+1:]
	fpStr, pathStr, _ := strings.Cut(origin, "/")

	fp, err := ParseFingerprint(fpStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorFormat, err)
	}

	path, err := ParsePath(pathStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorFormat, err)
	}

	if strings.ContainsAny(rest, "<>;") {
		return nil, fmt.Errorf("%w: multipath key expressions are "+
			"not supported", ErrDescriptorArgument)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "*" {
		return nil, fmt.Errorf("%w: key must be of the form "+
			"xpub/<branch>/*", ErrDescriptorFormat)
	}

	branch, err := strconv.ParseUint(parts[1], 10, 31)
	if err != nil || (uint32(branch) != BranchReceive &&
		uint32(branch) != BranchChange) {

		return nil, fmt.Errorf("%w: unsupported branch %q",
			ErrDescriptorFormat, parts[1])
	}

	switch {
	case p.branch == -1:
		p.branch = int64(branch)

	case p.branch != int64(branch):
		return nil, fmt.Errorf("%w: keys use different branches",
			ErrDescriptorFormat)
	}

	key, err := newTemplateKey(fp, path, parts[0], p.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorFormat, err)
	}

	return key, nil
}

// FromDescriptor creates a wallet from an output descriptor. The key with
// the internal fingerprint becomes the internal key of a hot wallet; cold
// wallets pass a zero fingerprint.
func FromDescriptor(name, desc string, internal Fingerprint,
	params *chaincfg.Params) (*Wallet, error) {

	template, err := ParseOutputDescriptor(desc, params)
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		Name:         name,
		RequiredSigs: template.Required,
		AddressType:  template.AddressType,
		IsHot:        internal != Fingerprint{},
		Unsorted:     !template.Sorted,
	}

	for _, k := range template.Keys {
		w.Keys = append(w.Keys, Key{
			ExtendedPubKey:    k.XPub,
			DerivationPath:    FormatFullPath(k.Path),
			MasterFingerprint: k.Fingerprint,
			Internal:          w.IsHot && k.Fingerprint == internal,
		})
	}

	if err := w.Validate(); err != nil {
		return nil, err
	}

	return w, nil
}
