package document

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/pagecraft/pdfcore/contentstream"
	"github.com/pagecraft/pdfcore/observability"
	"github.com/pagecraft/pdfcore/security"
)

// fileBuilder assembles a synthetic file with a classic xref table.
type fileBuilder struct {
	buf     bytes.Buffer
	offsets map[int]int64
	order   []int
	trailer string
}

func newFileBuilder() *fileBuilder {
	fb := &fileBuilder{offsets: make(map[int]int64)}
	fb.buf.WriteString("%PDF-1.4\n")
	return fb
}

func (fb *fileBuilder) addObject(num int, body string) {
	fb.addRawObject(num, []byte(body))
}

func (fb *fileBuilder) addRawObject(num int, body []byte) {
	fb.offsets[num] = int64(fb.buf.Len())
	fb.order = append(fb.order, num)
	fmt.Fprintf(&fb.buf, "%d 0 obj\n", num)
	fb.buf.Write(body)
	fb.buf.WriteString("\nendobj\n")
}

func (fb *fileBuilder) addStream(num int, dictBody string, payload []byte) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "<< %s /Length %d >>\nstream\n", dictBody, len(payload))
	b.Write(payload)
	b.WriteString("\nendstream")
	fb.addRawObject(num, b.Bytes())
}

func (fb *fileBuilder) finish(rootNum int) []byte {
	maxNum := 0
	for _, n := range fb.order {
		if n > maxNum {
			maxNum = n
		}
	}
	xrefOff := int64(fb.buf.Len())
	fmt.Fprintf(&fb.buf, "xref\n0 %d\n", maxNum+1)
	fb.buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= maxNum; i++ {
		if off, ok := fb.offsets[i]; ok {
			fmt.Fprintf(&fb.buf, "%010d %05d n \n", off, 0)
		} else {
			fb.buf.WriteString("0000000000 65535 f \n")
		}
	}
	fmt.Fprintf(&fb.buf, "trailer\n<< /Size %d /Root %d 0 R %s >>\n", maxNum+1, rootNum, fb.trailer)
	fmt.Fprintf(&fb.buf, "startxref\n%d\n%%%%EOF\n", xrefOff)
	return fb.buf.Bytes()
}

func buildTwoPageFile() []byte {
	fb := newFileBuilder()
	fb.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	fb.addObject(2, "<< /Type /Pages /Kids [3 0 R 4 0 R] /Count 2 "+
		"/MediaBox [0 0 612 792] /Resources << /ProcSet [/PDF /Text] >> >>")
	fb.addObject(3, "<< /Type /Page /Parent 2 0 R /Contents 5 0 R >>")
	fb.addObject(4, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 100] >>")
	fb.addStream(5, "", []byte("0 0 100 100 re f"))
	return fb.finish(1)
}

func TestLoadTwoPages(t *testing.T) {
	ctx := context.Background()
	doc, err := Load(ctx, buildTwoPageFile(), LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if doc.PageCount() != 2 {
		t.Fatalf("PageCount = %d", doc.PageCount())
	}
	p1 := doc.Page(1)
	if p1.Number() != 1 {
		t.Fatalf("Number = %d", p1.Number())
	}
	// MediaBox and Resources inherit from the Pages node; CropBox falls
	// back to MediaBox.
	crop := p1.Box("CropBox")
	if crop != (Rect{0, 0, 612, 792}) {
		t.Fatalf("CropBox = %+v", crop)
	}
	if p1.Resources().Len() == 0 {
		t.Fatal("inherited Resources missing")
	}
	sz := p1.Size()
	if sz.Width != 612 || sz.Height != 792 {
		t.Fatalf("Size = %+v", sz)
	}
	// The second page overrides the inherited MediaBox.
	if sz := doc.Page(2).Size(); sz.Width != 200 || sz.Height != 100 {
		t.Fatalf("page 2 Size = %+v", sz)
	}
	if doc.Page(3) != nil || doc.Page(0) != nil {
		t.Fatal("out-of-range pages must be nil")
	}
}

// recordingLogger captures emitted fields keyed by name.
type recordingLogger struct {
	fields map[string]interface{}
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{fields: make(map[string]interface{})}
}

func (l *recordingLogger) record(fields []observability.Field) {
	for _, f := range fields {
		l.fields[f.Key()] = f.Value()
	}
}

func (l *recordingLogger) Debug(_ string, fields ...observability.Field)    { l.record(fields) }
func (l *recordingLogger) Info(_ string, fields ...observability.Field)     { l.record(fields) }
func (l *recordingLogger) Warn(_ string, fields ...observability.Field)     { l.record(fields) }
func (l *recordingLogger) Error(_ string, fields ...observability.Field)    { l.record(fields) }
func (l *recordingLogger) With(...observability.Field) observability.Logger { return l }

func TestLoadEmitsMetrics(t *testing.T) {
	lg := newRecordingLogger()
	ctx := context.Background()
	doc, err := Load(ctx, buildTwoPageFile(), LoadOptions{Logger: lg})
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := lg.fields[observability.MetricPageCount]; !ok || n != 2 {
		t.Fatalf("%s = %v", observability.MetricPageCount, n)
	}
	if _, ok := lg.fields[observability.MetricParseTime]; !ok {
		t.Fatalf("%s not emitted", observability.MetricParseTime)
	}
	if _, err := doc.Page(1).DecodedContentStreams(ctx); err != nil {
		t.Fatal(err)
	}
	if b, ok := lg.fields[observability.MetricDecodedBytes]; !ok || b.(int64) <= 0 {
		t.Fatalf("%s = %v", observability.MetricDecodedBytes, b)
	}
}

func TestRotationSwapsSize(t *testing.T) {
	fb := newFileBuilder()
	fb.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	fb.addObject(2, "<< /Type /Pages /Kids [3 0 R 4 0 R] /Count 2 /MediaBox [0 0 612 792] >>")
	fb.addObject(3, "<< /Type /Page /Parent 2 0 R /Rotate 90 >>")
	fb.addObject(4, "<< /Type /Page /Parent 2 0 R /Rotate 450 >>")
	doc, err := Load(context.Background(), fb.finish(1), LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sz := doc.Page(1).Size(); sz.Width != 792 || sz.Height != 612 {
		t.Fatalf("rotated Size = %+v", sz)
	}
	// 450 normalizes to 90.
	if doc.Page(2).Rotate() != 90 {
		t.Fatalf("Rotate = %d", doc.Page(2).Rotate())
	}
}

func TestUserUnitScalesBoxes(t *testing.T) {
	fb := newFileBuilder()
	fb.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	fb.addObject(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	fb.addObject(3, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 100 50] /UserUnit 2 >>")
	doc, err := Load(context.Background(), fb.finish(1), LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	p := doc.Page(1)
	if box := p.Box("MediaBox"); box.URX != 200 || box.URY != 100 {
		t.Fatalf("MediaBox = %+v", box)
	}
	if sz := p.Size(); sz.Width != 200 || sz.Height != 100 {
		t.Fatalf("Size = %+v", sz)
	}
}

func TestContentStreamsConcatenated(t *testing.T) {
	fb := newFileBuilder()
	fb.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	fb.addObject(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 612 792] >>")
	fb.addObject(3, "<< /Type /Page /Parent 2 0 R /Contents [5 0 R 6 0 R] "+
		"/Resources << /Font << /F1 7 0 R >> >> >>")
	fb.addStream(5, "", []byte("BT /F1 12 Tf (Hello) Tj"))
	fb.addStream(6, "", []byte("(World) Tj ET"))
	fb.addObject(7, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	doc, err := Load(context.Background(), fb.finish(1), LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	parts, err := doc.Page(1).DecodedContentStreams(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d content streams", len(parts))
	}
	els, err := doc.Page(1).Elements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(els) != 1 {
		t.Fatalf("got %d elements", len(els))
	}
	te := els[0].(*contentstream.TextElement)
	if len(te.Runs) != 2 || te.Runs[0].Text != "Hello" || te.Runs[1].Text != "World" {
		t.Fatalf("runs = %+v", te.Runs)
	}
}

func TestPageTreeCycleSkipped(t *testing.T) {
	fb := newFileBuilder()
	fb.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	fb.addObject(2, "<< /Type /Pages /Kids [3 0 R 2 0 R] /Count 1 /MediaBox [0 0 612 792] >>")
	fb.addObject(3, "<< /Type /Page /Parent 2 0 R >>")
	doc, err := Load(context.Background(), fb.finish(1), LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if doc.PageCount() != 1 {
		t.Fatalf("PageCount = %d, cycle should be skipped", doc.PageCount())
	}
}

// Writer-side V1/R2 construction for the encryption scenarios.

var rc4Padding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41, 0x64, 0x00, 0x4E, 0x56,
	0xFF, 0xFA, 0x01, 0x08, 0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func padPwd(pwd string) []byte {
	out := make([]byte, 32)
	n := copy(out, pwd)
	copy(out[n:], rc4Padding)
	return out
}

func rc4Bytes(key, data []byte) []byte {
	c, _ := rc4.NewCipher(key)
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out
}

type rc4Writer struct {
	fileKey []byte
	encrypt string // dict body
	fileID  []byte
}

func newRC4Writer(userPwd, ownerPwd string) *rc4Writer {
	pVal := int32(-4)
	fileID := []byte("0123456789abcdef")
	ownerDigest := md5.Sum(padPwd(ownerPwd))
	oEntry := rc4Bytes(ownerDigest[:5], padPwd(userPwd))

	h := md5.New()
	h.Write(padPwd(userPwd))
	h.Write(oEntry)
	var pbuf [4]byte
	binary.LittleEndian.PutUint32(pbuf[:], uint32(pVal))
	h.Write(pbuf[:])
	h.Write(fileID)
	fileKey := h.Sum(nil)[:5]
	uEntry := rc4Bytes(fileKey, rc4Padding)

	return &rc4Writer{
		fileKey: fileKey,
		fileID:  fileID,
		encrypt: fmt.Sprintf(
			"<< /Filter /Standard /V 1 /R 2 /Length 40 /O <%X> /U <%X> /P %d >>",
			oEntry, uEntry, pVal),
	}
}

func (w *rc4Writer) objectKey(num, gen int) []byte {
	h := md5.New()
	h.Write(w.fileKey)
	h.Write([]byte{byte(num), byte(num >> 8), byte(num >> 16)})
	h.Write([]byte{byte(gen), byte(gen >> 8)})
	return h.Sum(nil)[:10]
}

func (w *rc4Writer) encryptFor(num, gen int, plain []byte) []byte {
	return rc4Bytes(w.objectKey(num, gen), plain)
}

func buildEncryptedFile(userPwd string) []byte {
	w := newRC4Writer(userPwd, "owner")
	fb := newFileBuilder()
	fb.addObject(1, "<< /Type /Catalog /Pages 2 0 R >>")
	fb.addObject(2, "<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 612 792] >>")
	fb.addObject(3, "<< /Type /Page /Parent 2 0 R /Contents 4 0 R >>")
	fb.addStream(4, "", w.encryptFor(4, 0, []byte("BT (Secret body) Tj ET")))
	fb.addObject(5, fmt.Sprintf("<< /Title <%X> >>", w.encryptFor(5, 0, []byte("Secret Report"))))
	fb.addObject(6, w.encrypt)
	fb.trailer = fmt.Sprintf("/Encrypt 6 0 R /Info 5 0 R /ID [<%X> <%X>]", w.fileID, w.fileID)
	return fb.finish(1)
}

func TestEncryptedRejectMode(t *testing.T) {
	data := buildEncryptedFile("correct")
	_, err := Load(context.Background(), data, LoadOptions{
		Encryption: EncryptionMode{Mode: EncryptionReject},
	})
	if !errors.Is(err, ErrEncrypted) {
		t.Fatalf("got %v, want ErrEncrypted", err)
	}
}

func TestEncryptedWrongPassword(t *testing.T) {
	data := buildEncryptedFile("correct")
	_, err := Load(context.Background(), data, LoadOptions{
		Encryption: EncryptionMode{Mode: EncryptionPassword, Password: "wrong"},
	})
	if !errors.Is(err, security.ErrInvalidPassword) {
		t.Fatalf("got %v, want ErrInvalidPassword", err)
	}
}

func TestEncryptedWithPassword(t *testing.T) {
	ctx := context.Background()
	data := buildEncryptedFile("correct")
	doc, err := Load(ctx, data, LoadOptions{
		Encryption: EncryptionMode{Mode: EncryptionPassword, Password: "correct"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.PageCount() != 1 {
		t.Fatalf("PageCount = %d", doc.PageCount())
	}
	content, err := doc.Page(1).Content(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(content, []byte("Secret body")) {
		t.Fatalf("content %q not decrypted", content)
	}
	md, ok, err := doc.Metadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || md.Title != "Secret Report" {
		t.Fatalf("Title = %q", md.Title)
	}
}

func TestEncryptedIgnoreMode(t *testing.T) {
	ctx := context.Background()
	data := buildEncryptedFile("correct")
	doc, err := Load(ctx, data, LoadOptions{
		Encryption: EncryptionMode{Mode: EncryptionIgnore},
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.PageCount() != 1 {
		t.Fatalf("PageCount = %d", doc.PageCount())
	}
	content, err := doc.Page(1).Content(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Ciphertext must pass through untouched.
	if bytes.Contains(content, []byte("Secret body")) {
		t.Fatal("ignore mode must not decrypt")
	}
}
