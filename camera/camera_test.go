package camera

import "testing"

func TestDecodeBlobRoundTripsMono16Header(t *testing.T) {
	blob := make([]byte, 12+2*4)
	putLE32(blob[0:4], uint32(Mono16))
	putLE32(blob[4:8], 2)
	putLE32(blob[8:12], 2)
	putLE16(blob[12:14], 10)
	putLE16(blob[14:16], 20)
	putLE16(blob[16:18], 30)
	putLE16(blob[18:20], 40)

	img, err := DecodeBlob(blob, false)
	if err != nil {
		t.Fatalf("DecodeBlob: %v", err)
	}
	if img.Width != 2 || img.Height != 2 || img.Signature != Mono16 {
		t.Fatalf("unexpected header: %+v", img.Header)
	}
	want := []uint16{10, 20, 30, 40}
	for i, v := range want {
		if img.Pix[i] != v {
			t.Fatalf("pixel %d: want %d got %d", i, v, img.Pix[i])
		}
	}
}

func TestDecodeBlobRejectsUnknownSignature(t *testing.T) {
	blob := make([]byte, 12)
	putLE32(blob[0:4], 0xDEAD)
	putLE32(blob[4:8], 1)
	putLE32(blob[8:12], 1)

	_, err := DecodeBlob(blob, false)
	if err != ErrUnknownSignature {
		t.Fatalf("expected ErrUnknownSignature, got %v", err)
	}
}

func TestDecodeBlobRejectsTooShortBlob(t *testing.T) {
	_, err := DecodeBlob([]byte{1, 2, 3}, false)
	if err == nil {
		t.Fatal("expected an error for a blob shorter than the header")
	}
}

func TestEqualiseBayerAveragesEachSuperPixel(t *testing.T) {
	img := Image{
		Header:  Header{Signature: Mono16, Width: 2, Height: 2},
		Bayered: true,
		Pix:     []uint16{10, 20, 30, 40},
	}
	EqualiseBayer(&img)
	if img.Bayered {
		t.Fatal("expected EqualiseBayer to clear the Bayered flag")
	}
	for i, v := range img.Pix {
		if v != 25 {
			t.Fatalf("pixel %d: want averaged value 25, got %d", i, v)
		}
	}
}

func TestEqualiseBayerIsNoopOnNonBayeredFrame(t *testing.T) {
	img := Image{
		Header: Header{Signature: Mono16, Width: 2, Height: 2},
		Pix:    []uint16{10, 20, 30, 40},
	}
	EqualiseBayer(&img)
	want := []uint16{10, 20, 30, 40}
	for i, v := range want {
		if img.Pix[i] != v {
			t.Fatalf("pixel %d: expected no change, got %d want %d", i, img.Pix[i], v)
		}
	}
}
