package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/pagecraft/pdfcore/ir/raw"
)

// buildRC4Encrypt constructs a V1/R2 Encrypt dictionary the way a writer
// would: O from the owner password, U from the derived file key.
func buildRC4Encrypt(t *testing.T, userPwd, ownerPwd string, fileID []byte) (*raw.DictObj, []byte) {
	t.Helper()
	const pVal = int32(-4)
	ownerDigest := md5.Sum(padPassword([]byte(ownerPwd)))
	oEntry := rc4Simple(ownerDigest[:5], padPassword([]byte(userPwd)))
	fileKey, err := deriveKey([]byte(userPwd), oEntry, pVal, fileID, 5, 2, true)
	if err != nil {
		t.Fatal(err)
	}
	uEntry := rc4Simple(fileKey, passwordPadding)

	enc := raw.Dict()
	enc.Set(raw.NameLiteral("Filter"), raw.NameLiteral("Standard"))
	enc.Set(raw.NameLiteral("V"), raw.NumberInt(1))
	enc.Set(raw.NameLiteral("R"), raw.NumberInt(2))
	enc.Set(raw.NameLiteral("Length"), raw.NumberInt(40))
	enc.Set(raw.NameLiteral("O"), raw.Str(oEntry))
	enc.Set(raw.NameLiteral("U"), raw.Str(uEntry))
	enc.Set(raw.NameLiteral("P"), raw.NumberInt(int64(pVal)))
	return enc, fileKey
}

func TestAuthenticateUserPassword(t *testing.T) {
	fileID := []byte("0123456789abcdef")
	enc, _ := buildRC4Encrypt(t, "usr", "own", fileID)
	h, err := (&HandlerBuilder{}).WithEncryptDict(enc).WithFileID(fileID).Build()
	if err != nil {
		t.Fatal(err)
	}
	if !h.IsEncrypted() {
		t.Fatal("handler should report encryption")
	}
	if err := h.Authenticate("usr"); err != nil {
		t.Fatalf("user password rejected: %v", err)
	}
}

func TestAuthenticateOwnerPassword(t *testing.T) {
	fileID := []byte("0123456789abcdef")
	enc, _ := buildRC4Encrypt(t, "usr", "own", fileID)
	h, err := (&HandlerBuilder{}).WithEncryptDict(enc).WithFileID(fileID).Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Authenticate("own"); err != nil {
		t.Fatalf("owner password rejected: %v", err)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	fileID := []byte("0123456789abcdef")
	enc, _ := buildRC4Encrypt(t, "usr", "own", fileID)
	h, err := (&HandlerBuilder{}).WithEncryptDict(enc).WithFileID(fileID).Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Authenticate("nope"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("got %v, want ErrInvalidPassword", err)
	}
}

func TestRC4DecryptRoundTrip(t *testing.T) {
	fileID := []byte("0123456789abcdef")
	enc, fileKey := buildRC4Encrypt(t, "", "own", fileID)
	h, err := (&HandlerBuilder{}).WithEncryptDict(enc).WithFileID(fileID).Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Authenticate(""); err != nil {
		t.Fatalf("empty user password rejected: %v", err)
	}
	plain := []byte("Hello, world")
	ct := rc4Simple(objectKey(fileKey, 7, 0, 2, false), plain)
	got, err := h.Decrypt(7, 0, ct, DataClassString)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("decrypted %q, want %q", got, plain)
	}
}

// buildAES256Encrypt constructs V5/R6 U and UE entries for a random file
// key, mirroring the writer-side algorithm.
func buildAES256Encrypt(t *testing.T, pwd string) (*raw.DictObj, []byte) {
	t.Helper()
	fileKey := make([]byte, 32)
	if _, err := rand.Read(fileKey); err != nil {
		t.Fatal(err)
	}
	vsalt := []byte("valsalt!")
	ksalt := []byte("keysalt!")
	uEntry := append(append(append([]byte{}, rev6Hash([]byte(pwd), vsalt, nil, 6)[:32]...), vsalt...), ksalt...)
	intermediate := rev6Hash([]byte(pwd), ksalt, nil, 6)
	ue, err := aesCBCWithIV(intermediate[:32], make([]byte, aes.BlockSize), fileKey)
	if err != nil {
		t.Fatal(err)
	}

	enc := raw.Dict()
	enc.Set(raw.NameLiteral("Filter"), raw.NameLiteral("Standard"))
	enc.Set(raw.NameLiteral("V"), raw.NumberInt(5))
	enc.Set(raw.NameLiteral("R"), raw.NumberInt(6))
	enc.Set(raw.NameLiteral("U"), raw.Str(uEntry))
	enc.Set(raw.NameLiteral("UE"), raw.Str(ue))
	enc.Set(raw.NameLiteral("P"), raw.NumberInt(-4))
	cf := raw.Dict()
	std := raw.Dict()
	std.Set(raw.NameLiteral("CFM"), raw.NameLiteral("AESV3"))
	cf.Set(raw.NameLiteral("StdCF"), std)
	enc.Set(raw.NameLiteral("CF"), cf)
	enc.Set(raw.NameLiteral("StmF"), raw.NameLiteral("StdCF"))
	enc.Set(raw.NameLiteral("StrF"), raw.NameLiteral("StdCF"))
	return enc, fileKey
}

func TestAES256Authentication(t *testing.T) {
	enc, fileKey := buildAES256Encrypt(t, "s3cret")
	h, err := (&HandlerBuilder{}).WithEncryptDict(enc).Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Authenticate("wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("got %v, want ErrInvalidPassword", err)
	}
	if err := h.Authenticate("s3cret"); err != nil {
		t.Fatalf("password rejected: %v", err)
	}

	// Encrypt a string the writer way: random IV, PKCS#7 padding, CBC
	// under the file key.
	plain := []byte("confidential")
	block, err := aes.NewCipher(fileKey)
	if err != nil {
		t.Fatal(err)
	}
	padLen := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	ct := make([]byte, aes.BlockSize+len(padded))
	if _, err := rand.Read(ct[:aes.BlockSize]); err != nil {
		t.Fatal(err)
	}
	cipher.NewCBCEncrypter(block, ct[:aes.BlockSize]).CryptBlocks(ct[aes.BlockSize:], padded)

	got, err := h.Decrypt(3, 0, ct, DataClassString)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("decrypted %q, want %q", got, plain)
	}
}

func TestPermsEntryOverridesZeroP(t *testing.T) {
	enc, fileKey := buildAES256Encrypt(t, "pw")
	enc.Set(raw.NameLiteral("P"), raw.NumberInt(0))

	// Perms is one AES-ECB block under the file key: P little-endian,
	// reserved 0xFF bytes, the metadata flag, and the "adb" signature.
	var plain [16]byte
	pVal := int32(-44)
	binary.LittleEndian.PutUint32(plain[0:4], uint32(pVal)) // all but Modify/ModifyAnnotations
	copy(plain[4:8], []byte{0xFF, 0xFF, 0xFF, 0xFF})
	plain[8] = 'T'
	copy(plain[9:12], "adb")
	block, err := aes.NewCipher(fileKey)
	if err != nil {
		t.Fatal(err)
	}
	permsEntry := make([]byte, 16)
	block.Encrypt(permsEntry, plain[:])
	enc.Set(raw.NameLiteral("Perms"), raw.Str(permsEntry))

	h, err := (&HandlerBuilder{}).WithEncryptDict(enc).Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Authenticate("pw"); err != nil {
		t.Fatalf("password rejected: %v", err)
	}
	perms := h.Permissions()
	if !perms.Print || perms.Modify || !perms.Copy {
		t.Fatalf("permissions should come from the Perms entry: %+v", perms)
	}
}

func TestUnsupportedFilter(t *testing.T) {
	enc := raw.Dict()
	enc.Set(raw.NameLiteral("Filter"), raw.NameLiteral("Custom"))
	if _, err := (&HandlerBuilder{}).WithEncryptDict(enc).Build(); !errors.Is(err, ErrUnsupportedEncryption) {
		t.Fatalf("got %v, want ErrUnsupportedEncryption", err)
	}
}

func TestNoopHandler(t *testing.T) {
	h := NoopHandler()
	if h.IsEncrypted() {
		t.Fatal("noop handler should not report encryption")
	}
	data := []byte("plain")
	out, err := h.Decrypt(1, 0, data, DataClassStream)
	if err != nil || !bytes.Equal(out, data) {
		t.Fatalf("passthrough failed: %v %q", err, out)
	}
}

func TestPermissionsBits(t *testing.T) {
	fileID := []byte("0123456789abcdef")
	enc, _ := buildRC4Encrypt(t, "", "own", fileID)
	pBits := ^uint32(0) &^ 0x8 // all but Modify
	enc.Set(raw.NameLiteral("P"), raw.NumberInt(int64(int32(pBits))))
	h, err := (&HandlerBuilder{}).WithEncryptDict(enc).WithFileID(fileID).Build()
	if err != nil {
		t.Fatal(err)
	}
	perms := h.Permissions()
	if !perms.Print || perms.Modify || !perms.Copy {
		t.Fatalf("unexpected permissions: %+v", perms)
	}
}
