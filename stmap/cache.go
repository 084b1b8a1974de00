package stmap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Binary cache layout: 4-byte ASCII magic, LE uint32 version, LE uint32
// width, LE uint32 height, then width*height*2 LE float32 (U,V interleaved,
// row-major). The format must round-trip byte-exact; readers reject unknown
// magic or versions rather than guess.
const (
	CacheExt     = ".stcache"
	cacheMagic   = "STMC"
	cacheVersion = uint32(1)
)

var errCacheCorrupt = errors.New("stmap: corrupt cache")

func writeCacheFile(path string, m *CoordinateMap) error {
	if !m.Valid() {
		return errors.New("stmap: refusing to cache invalid map")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := encodeCache(w, m); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func readCacheFile(path string) (*CoordinateMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeCache(bufio.NewReader(f))
}

func encodeCache(w io.Writer, m *CoordinateMap) error {
	if _, err := w.Write([]byte(cacheMagic)); err != nil {
		return err
	}
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:], cacheVersion)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(m.Width))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(m.Height))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	buf := make([]byte, 4*len(m.Data))
	for i, v := range m.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

func decodeCache(r io.Reader) (*CoordinateMap, error) {
	var head [16]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, errCacheCorrupt
	}
	if string(head[:4]) != cacheMagic {
		return nil, fmt.Errorf("stmap: bad cache magic %q", head[:4])
	}
	if v := binary.LittleEndian.Uint32(head[4:]); v != cacheVersion {
		return nil, fmt.Errorf("stmap: unsupported cache version %d", v)
	}

	width := int(binary.LittleEndian.Uint32(head[8:]))
	height := int(binary.LittleEndian.Uint32(head[12:]))
	if width <= 0 || height <= 0 || width > 1<<16 || height > 1<<16 {
		return nil, errCacheCorrupt
	}

	m := &CoordinateMap{Width: width, Height: height}
	payload := make([]byte, width*height*2*4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errCacheCorrupt
	}
	m.Data = make([]float32, width*height*2)
	for i := range m.Data {
		m.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return m, nil
}
