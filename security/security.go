// Package security implements the Standard security handler: file key
// derivation, password verification, and per-object decryption for RC4 and
// AES variants (V1-V5, R2-R6).
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/xdg-go/stringprep"

	"github.com/pagecraft/pdfcore/ir/raw"
)

var (
	// ErrInvalidPassword reports that neither the user nor the owner
	// password matched.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrUnsupportedEncryption reports an encryption scheme outside the
	// Standard handler revisions this package implements.
	ErrUnsupportedEncryption = errors.New("unsupported encryption")
)

type Permissions struct {
	Print, Modify, Copy, ModifyAnnotations bool
	FillForms, ExtractAccessible           bool
	Assemble, PrintHighQuality             bool
}

// DataClass identifies the kind of payload being decrypted.
type DataClass int

const (
	DataClassStream DataClass = iota
	DataClassString
	DataClassMetadataStream
)

type Handler interface {
	IsEncrypted() bool
	Authenticate(password string) error
	Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error)
	Permissions() Permissions
	EncryptMetadata() bool
}

type HandlerBuilder struct {
	encryptDict *raw.DictObj
	trailer     *raw.DictObj
	fileID      []byte
}

func (b *HandlerBuilder) WithEncryptDict(d *raw.DictObj) *HandlerBuilder {
	b.encryptDict = d
	return b
}
func (b *HandlerBuilder) WithTrailer(d *raw.DictObj) *HandlerBuilder { b.trailer = d; return b }
func (b *HandlerBuilder) WithFileID(id []byte) *HandlerBuilder      { b.fileID = id; return b }

func (b *HandlerBuilder) Build() (Handler, error) {
	if b.encryptDict == nil {
		return noEncryptionHandler{}, nil
	}
	if name := raw.NameFromDict(b.encryptDict, "Filter"); name != "" && name != "Standard" {
		return nil, fmt.Errorf("%w: filter %s", ErrUnsupportedEncryption, name)
	}
	v := raw.IntFromDict(b.encryptDict, "V", 1)
	if v == 0 {
		v = 1
	}
	if v > 5 {
		return nil, fmt.Errorf("%w: V=%d", ErrUnsupportedEncryption, v)
	}
	r := raw.IntFromDict(b.encryptDict, "R", 2)
	if r > 6 {
		return nil, fmt.Errorf("%w: R=%d", ErrUnsupportedEncryption, r)
	}
	keyLen := 40
	if v >= 5 {
		keyLen = 256
	}
	if n := raw.IntFromDict(b.encryptDict, "Length", 0); n > 0 && v < 5 {
		keyLen = int(n)
	}
	if v == 4 && keyLen < 128 {
		keyLen = 128
	}
	if keyLen%8 != 0 {
		return nil, fmt.Errorf("%w: key length %d not a multiple of 8", ErrUnsupportedEncryption, keyLen)
	}
	owner, _ := raw.StringFromDict(b.encryptDict, "O")
	user, _ := raw.StringFromDict(b.encryptDict, "U")
	oe, _ := raw.StringFromDict(b.encryptDict, "OE")
	ue, _ := raw.StringFromDict(b.encryptDict, "UE")
	pVal := raw.IntFromDict(b.encryptDict, "P", 0)

	id := b.fileID
	if len(id) == 0 && b.trailer != nil {
		if arrObj, ok := raw.DictGet(b.trailer, "ID"); ok {
			if arr, ok := arrObj.(*raw.ArrayObj); ok && arr.Len() > 0 {
				if s, ok := arr.Items[0].(raw.StringObj); ok {
					id = s.Bytes
				}
			}
		}
	}
	encryptMeta := true
	if v, ok := raw.DictGet(b.encryptDict, "EncryptMetadata"); ok {
		if bv, ok := v.(raw.BoolObj); ok {
			encryptMeta = bv.V
		}
	}

	baseAlgo := algoRC4
	if v >= 4 {
		baseAlgo = algoAES
	}
	cryptFilters, err := parseCryptFilters(b.encryptDict, baseAlgo)
	if err != nil {
		return nil, err
	}
	streamAlgo, err := resolveCryptFilter(b.encryptDict, "StmF", baseAlgo, cryptFilters)
	if err != nil {
		return nil, err
	}
	stringAlgo, err := resolveCryptFilter(b.encryptDict, "StrF", baseAlgo, cryptFilters)
	if err != nil {
		return nil, err
	}
	return &standardHandler{
		v:            int(v),
		r:            int(r),
		lengthBits:   keyLen,
		owner:        owner,
		user:         user,
		oe:           oe,
		ue:           ue,
		p:            int32(pVal),
		fileID:       id,
		encryptMeta:  encryptMeta,
		streamAlgo:   streamAlgo,
		stringAlgo:   stringAlgo,
		cryptFilters: cryptFilters,
		encryptDict:  b.encryptDict,
	}, nil
}

type cryptAlgo int

const (
	algoUnset cryptAlgo = iota
	algoNone
	algoRC4
	algoAES
)

type standardHandler struct {
	key          []byte
	v            int
	r            int
	lengthBits   int
	owner        []byte
	user         []byte
	oe           []byte
	ue           []byte
	p            int32
	fileID       []byte
	encryptMeta  bool
	authed       bool
	streamAlgo   cryptAlgo
	stringAlgo   cryptAlgo
	cryptFilters map[string]cryptAlgo
	encryptDict  *raw.DictObj
}

func (h *standardHandler) IsEncrypted() bool     { return true }
func (h *standardHandler) EncryptMetadata() bool { return h.encryptMeta }

// Authenticate derives the file key from the password, trying it as the
// user password first and then as the owner password.
func (h *standardHandler) Authenticate(password string) error {
	if h.v >= 5 || h.r >= 5 {
		if err := h.authenticateAES256([]byte(password)); err != nil {
			return err
		}
		h.authed = true
		return nil
	}
	key, err := deriveKey([]byte(password), h.owner, h.p, h.fileID, h.lengthBits/8, h.r, h.encryptMeta)
	if err != nil {
		return err
	}
	if checkUserPassword(key, h.user, h.fileID, h.r) {
		h.key = key
		h.authed = true
		return nil
	}
	// Owner password: recover the user password by undoing the RC4 layers
	// over the O entry, then rerun the user check.
	if userPwd, ok := h.recoverUserPassword([]byte(password)); ok {
		key, err = deriveKey(userPwd, h.owner, h.p, h.fileID, h.lengthBits/8, h.r, h.encryptMeta)
		if err != nil {
			return err
		}
		if checkUserPassword(key, h.user, h.fileID, h.r) {
			h.key = key
			h.authed = true
			return nil
		}
	}
	return ErrInvalidPassword
}

func (h *standardHandler) recoverUserPassword(ownerPwd []byte) ([]byte, bool) {
	if len(h.owner) < 32 {
		return nil, false
	}
	digest := md5.Sum(padPassword(ownerPwd))
	if h.r >= 3 {
		for i := 0; i < 50; i++ {
			digest = md5.Sum(digest[:])
		}
	}
	keyLen := h.lengthBits / 8
	if keyLen <= 0 || keyLen > 16 {
		keyLen = 5
	}
	if h.r == 2 {
		keyLen = 5
	}
	rc4Key := digest[:keyLen]
	val := append([]byte(nil), h.owner[:32]...)
	if h.r == 2 {
		return rc4Simple(rc4Key, val), true
	}
	for i := 19; i >= 0; i-- {
		tmpKey := make([]byte, len(rc4Key))
		for j := range rc4Key {
			tmpKey[j] = rc4Key[j] ^ byte(i)
		}
		val = rc4Simple(tmpKey, val)
	}
	return val, true
}

func (h *standardHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return h.DecryptWithFilter(objNum, gen, data, class, "")
}

func (h *standardHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	if !h.authed {
		if err := h.Authenticate(""); err != nil {
			return nil, err
		}
	}
	algo, err := h.algoFor(class, cryptFilter)
	if err != nil {
		return nil, err
	}
	if algo == algoNone || len(data) == 0 {
		return data, nil
	}
	if class == DataClassMetadataStream && !h.encryptMeta {
		return data, nil
	}
	key := objectKey(h.key, objNum, gen, h.r, algo == algoAES)
	if algo == algoAES {
		return aesCrypt(key, data)
	}
	return rc4Crypt(key, data)
}

func (h *standardHandler) pickAlgo(class DataClass) cryptAlgo {
	switch class {
	case DataClassString:
		if h.stringAlgo != algoUnset {
			return h.stringAlgo
		}
	case DataClassStream, DataClassMetadataStream:
		if h.streamAlgo != algoUnset {
			return h.streamAlgo
		}
	}
	if h.v >= 4 {
		return algoAES
	}
	return algoRC4
}

func (h *standardHandler) algoFor(class DataClass, filter string) (cryptAlgo, error) {
	if filter == "Identity" {
		return algoNone, nil
	}
	if filter == "" || filter == "Standard" {
		return h.pickAlgo(class), nil
	}
	if algo, ok := h.cryptFilters[filter]; ok {
		return algo, nil
	}
	return algoUnset, fmt.Errorf("crypt filter %s not defined", filter)
}

func (h *standardHandler) Permissions() Permissions {
	return Permissions{
		Print:             h.p&0x4 != 0,
		Modify:            h.p&0x8 != 0,
		Copy:              h.p&0x10 != 0,
		ModifyAnnotations: h.p&0x20 != 0,
		FillForms:         h.p&0x100 != 0,
		ExtractAccessible: h.p&0x200 != 0,
		Assemble:          h.p&0x400 != 0,
		PrintHighQuality:  h.p&0x800 != 0,
	}
}

func (h *standardHandler) authenticateAES256(pwd []byte) error {
	if len(h.user) >= 48 && len(h.ue) >= 32 {
		if key, ok, err := deriveAES256User(pwd, h.user, h.ue, h.r); err == nil && ok {
			h.key = key
			h.verifyPerms()
			return nil
		}
	}
	if len(h.owner) >= 48 && len(h.oe) >= 32 && len(h.user) >= 48 {
		if key, ok, err := deriveAES256Owner(pwd, h.owner, h.oe, h.user, h.r); err == nil && ok {
			h.key = key
			h.verifyPerms()
			return nil
		}
	}
	return ErrInvalidPassword
}

// verifyPerms cross-checks /P against the encrypted Perms entry of the
// encryption dictionary when one is present; a decryptable Perms overrides
// a zero /P.
func (h *standardHandler) verifyPerms() {
	if h.key == nil || h.p != 0 {
		return
	}
	perms, ok := raw.StringFromDict(h.encryptDict, "Perms")
	if !ok {
		return
	}
	if pval, err := decryptPermsAES256(h.key, perms); err == nil {
		h.p = pval
	}
}

type noEncryptionHandler struct{}

func (noEncryptionHandler) IsEncrypted() bool          { return false }
func (noEncryptionHandler) Authenticate(string) error  { return nil }
func (noEncryptionHandler) EncryptMetadata() bool      { return false }
func (noEncryptionHandler) Permissions() Permissions {
	return Permissions{Print: true, Modify: true, Copy: true, ModifyAnnotations: true,
		FillForms: true, ExtractAccessible: true, Assemble: true, PrintHighQuality: true}
}
func (noEncryptionHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	return data, nil
}

// NoopHandler returns a reusable pass-through handler for unencrypted files.
func NoopHandler() Handler { return noEncryptionHandler{} }

var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func padPassword(pwd []byte) []byte {
	padded := make([]byte, 32)
	copy(padded, pwd)
	if len(pwd) < 32 {
		copy(padded[len(pwd):], passwordPadding[:32-len(pwd)])
	}
	return padded
}

// padPasswordRev6 normalizes an R6 password with SASLprep and truncates to
// 127 bytes of UTF-8 as ISO 32000-2 requires.
func padPasswordRev6(pwd []byte) []byte {
	if prepared, err := stringprep.SASLprep.Prepare(string(pwd)); err == nil {
		pwd = []byte(prepared)
	}
	if len(pwd) > 127 {
		return pwd[:127]
	}
	return pwd
}

// rev6Hash is the iterated hash for R5/R6 authentication. R5 stops after
// the initial SHA-256; R6 runs at least 64 AES-CBC rounds, switching among
// SHA-256/384/512 based on the last ciphertext byte.
func rev6Hash(pwd, salt, extra []byte, r int) []byte {
	pwd = padPasswordRev6(pwd)
	data := append(append(append([]byte{}, pwd...), salt...), extra...)
	hash := sha256.Sum256(data)
	h := hash[:]
	if r == 5 {
		return h
	}
	var enc []byte
	for i := 0; i < 64 || int(enc[len(enc)-1]) > i-32; i++ {
		block := make([]byte, 0, 64*(len(pwd)+len(h)+len(extra)))
		for j := 0; j < 64; j++ {
			block = append(block, pwd...)
			block = append(block, h...)
			block = append(block, extra...)
		}
		key := h[:16]
		iv := h[16:32]
		var err error
		enc, err = aesCBCWithIV(key, iv, block)
		if err != nil {
			return h[:32]
		}
		var mod int
		for _, b := range enc[:16] {
			mod += int(b)
		}
		switch mod % 3 {
		case 0:
			sum := sha256.Sum256(enc)
			h = sum[:]
		case 1:
			sum := sha512.Sum384(enc)
			h = sum[:]
		default:
			sum := sha512.Sum512(enc)
			h = sum[:]
		}
	}
	return h[:32]
}

func deriveKey(pwd, owner []byte, pVal int32, fileID []byte, keyLenBytes, r int, encryptMeta bool) ([]byte, error) {
	if keyLenBytes <= 0 {
		keyLenBytes = 5
	}
	if keyLenBytes > 16 {
		keyLenBytes = 16
	}
	data := make([]byte, 0, 32+len(owner)+8+len(fileID))
	data = append(data, padPassword(pwd)...)
	data = append(data, owner...)
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], uint32(pVal))
	data = append(data, pBuf[:]...)
	data = append(data, fileID...)
	if r >= 4 && !encryptMeta {
		data = append(data, 0xFF, 0xFF, 0xFF, 0xFF)
	}

	sum := md5.Sum(data)
	key := sum[:]
	if r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key[:keyLenBytes])
			key = sum[:]
		}
	}
	return key[:keyLenBytes], nil
}

// checkUserPassword verifies a candidate file key against the U entry. R2
// compares the full RC4 of the padding; R3/R4 compare the first 16 bytes of
// the 20-pass construction.
func checkUserPassword(key, userEntry, fileID []byte, r int) bool {
	if len(userEntry) < 16 {
		return false
	}
	if r <= 2 {
		expect := rc4Simple(key, passwordPadding)
		return bytes.Equal(expect[:16], userEntry[:16])
	}
	h := md5.Sum(append(append([]byte{}, passwordPadding...), fileID...))
	val := rc4Simple(key, h[:])
	for i := 1; i <= 19; i++ {
		tmpKey := make([]byte, len(key))
		for j := range key {
			tmpKey[j] = key[j] ^ byte(i)
		}
		val = rc4Simple(tmpKey, val)
	}
	return bytes.Equal(val[:16], userEntry[:16])
}

func deriveAES256User(pwd, uEntry, ue []byte, r int) ([]byte, bool, error) {
	if len(uEntry) < 48 || len(ue) < 16 {
		return nil, false, errors.New("user entry too short")
	}
	validationSalt := uEntry[32:40]
	keySalt := uEntry[40:48]
	if !bytes.Equal(rev6Hash(pwd, validationSalt, nil, r)[:32], uEntry[:32]) {
		return nil, false, nil
	}
	keyHash := rev6Hash(pwd, keySalt, nil, r)
	fileKey, err := aesCBCNoIVDecrypt(keyHash[:32], ue[:32])
	if err != nil {
		return nil, false, err
	}
	return fileKey, true, nil
}

func deriveAES256Owner(pwd, oEntry, oe, uEntry []byte, r int) ([]byte, bool, error) {
	if len(oEntry) < 48 || len(oe) < 16 || len(uEntry) < 48 {
		return nil, false, errors.New("owner entry too short")
	}
	validationSalt := oEntry[32:40]
	keySalt := oEntry[40:48]
	if !bytes.Equal(rev6Hash(pwd, validationSalt, uEntry[:48], r)[:32], oEntry[:32]) {
		return nil, false, nil
	}
	keyHash := rev6Hash(pwd, keySalt, uEntry[:48], r)
	fileKey, err := aesCBCNoIVDecrypt(keyHash[:32], oe[:32])
	if err != nil {
		return nil, false, err
	}
	return fileKey, true, nil
}

func parseCryptFilters(dict *raw.DictObj, base cryptAlgo) (map[string]cryptAlgo, error) {
	out := make(map[string]cryptAlgo)
	cfObj, ok := raw.DictGet(dict, "CF")
	if !ok {
		return out, nil
	}
	cfDict, ok := cfObj.(*raw.DictObj)
	if !ok {
		return nil, errors.New("CF must be a dictionary")
	}
	for name, obj := range cfDict.KV {
		entry, ok := obj.(*raw.DictObj)
		if !ok {
			return nil, errors.New("crypt filter entry must be a dictionary")
		}
		algo := base
		switch cfm := raw.NameFromDict(entry, "CFM"); cfm {
		case "":
		case "V2":
			algo = algoRC4
		case "AESV2", "AESV3":
			algo = algoAES
		case "None", "Identity":
			algo = algoNone
		default:
			return nil, fmt.Errorf("%w: crypt filter method %s", ErrUnsupportedEncryption, cfm)
		}
		out[name] = algo
	}
	return out, nil
}

func resolveCryptFilter(dict *raw.DictObj, key string, base cryptAlgo, filters map[string]cryptAlgo) (cryptAlgo, error) {
	name := raw.NameFromDict(dict, key)
	switch name {
	case "", "Standard":
		if algo, ok := filters["Standard"]; ok {
			return algo, nil
		}
		return base, nil
	case "Identity":
		return algoNone, nil
	}
	if algo, ok := filters[name]; ok {
		return algo, nil
	}
	return algoUnset, fmt.Errorf("crypt filter %s not defined", name)
}

// objectKey derives the per-object key: MD5 over the file key, the low
// three bytes of the object number, the low two bytes of the generation,
// and the AES salt. R5/R6 use the file key directly.
func objectKey(fileKey []byte, objNum, gen, r int, useAES bool) []byte {
	if r >= 5 {
		return fileKey
	}
	key := append([]byte{}, fileKey...)
	key = append(key, byte(objNum), byte(objNum>>8), byte(objNum>>16))
	key = append(key, byte(gen), byte(gen>>8))
	if useAES {
		key = append(key, 0x73, 0x41, 0x6C, 0x54) // "sAlT"
	}
	hashLen := len(fileKey) + 5
	if hashLen > 16 {
		hashLen = 16
	}
	hash := md5.Sum(key)
	return hash[:hashLen]
}

func rc4Simple(key, data []byte) []byte {
	out := make([]byte, len(data))
	c, _ := rc4.NewCipher(key)
	c.XORKeyStream(out, data)
	return out
}

func rc4Crypt(key, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// aesCrypt decrypts AES-CBC data where the first block is the IV.
func aesCrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) < aes.BlockSize {
		return nil, errors.New("aes ciphertext too short")
	}
	iv := data[:aes.BlockSize]
	ct := data[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("aes ciphertext not a multiple of the block size")
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	if len(out) == 0 {
		return out, nil
	}
	pad := int(out[len(out)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("invalid aes padding")
	}
	return out[:len(out)-pad], nil
}

// aesCBCWithIV encrypts without padding; rev6Hash feeds exact multiples of
// the block size.
func aesCBCWithIV(key, iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("invalid aes input size")
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// aesCBCNoIVDecrypt decrypts with a zero IV and no padding; used for the
// UE/OE intermediate keys.
func aesCBCNoIVDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("invalid aes input size")
	}
	out := make([]byte, len(data))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func decryptPermsAES256(key, perms []byte) (int32, error) {
	if len(key) == 0 {
		return 0, errors.New("missing key")
	}
	if len(perms) != 16 {
		return 0, errors.New("perms entry must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, err
	}
	out := make([]byte, 16)
	block.Decrypt(out, perms)
	if !bytes.Equal(out[9:12], []byte("adb")) {
		return 0, errors.New("invalid perms signature")
	}
	return int32(binary.LittleEndian.Uint32(out[0:4])), nil
}
