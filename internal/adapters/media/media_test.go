package media

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appmedia "github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func kinds(tracks []core.LocalTrack) []webrtc.RTPCodecType {
	out := make([]webrtc.RTPCodecType, len(tracks))
	for i, t := range tracks {
		out[i] = t.Kind()
	}
	return out
}

func stopAll(tracks []core.LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}

func TestSynthetic_Acquire(t *testing.T) {
	src := NewSynthetic()
	tracks, err := src.Acquire(context.Background(), core.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer stopAll(tracks)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}, kinds(tracks))
	for _, tr := range tracks {
		assert.NotNil(t, tr.Track())
		assert.True(t, tr.Enabled())
	}

	audio, err := src.Acquire(context.Background(), core.Constraints{Audio: true})
	require.NoError(t, err)
	defer stopAll(audio)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}, kinds(audio))

	_, err = src.Acquire(context.Background(), core.Constraints{})
	assert.ErrorIs(t, err, domain.ErrDevice)
	assert.ErrorIs(t, err, ErrNoTracks)
}

func TestSynthetic_StopEndsTrack(t *testing.T) {
	tracks, err := NewSynthetic().Acquire(context.Background(), core.Constraints{Audio: true})
	require.NoError(t, err)
	tr := tracks[0].(*appmedia.LocalTrack)
	tr.Stop()
	assert.Equal(t, appmedia.TrackEnded, tr.State())
	tr.Stop()
}

// writeIVF writes a minimal IVF file with n frames.
func writeIVF(t *testing.T, fourcc string, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video.ivf")
	buf := make([]byte, 32)
	copy(buf[0:], "DKIF")
	binary.LittleEndian.PutUint16(buf[4:], 0)
	binary.LittleEndian.PutUint16(buf[6:], 32)
	copy(buf[8:], fourcc)
	binary.LittleEndian.PutUint16(buf[12:], 16)
	binary.LittleEndian.PutUint16(buf[14:], 16)
	binary.LittleEndian.PutUint32(buf[16:], 30)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint32(buf[24:], uint32(n))
	for i := 0; i < n; i++ {
		hdr := make([]byte, 12)
		binary.LittleEndian.PutUint32(hdr[0:], uint32(len(vp8Blank)))
		binary.LittleEndian.PutUint64(hdr[4:], uint64(i))
		buf = append(buf, hdr...)
		buf = append(buf, vp8Blank...)
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func writeOgg(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.ogg")
	w, err := oggwriter.New(path, 48000, 2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: opusSilence,
		}))
	}
	require.NoError(t, w.Close())
	return path
}

func TestFile_PlaysIVFAndOgg(t *testing.T) {
	src := NewFile(writeIVF(t, "VP80", 3), writeOgg(t))
	tracks, err := src.Acquire(context.Background(), core.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}, kinds(tracks))

	video := tracks[1].Track().(*webrtc.TrackLocalStaticSample)
	assert.Equal(t, webrtc.MimeTypeVP8, video.Codec().MimeType)

	// Let playback wrap around the three-frame file at least once.
	time.Sleep(200 * time.Millisecond)
	stopAll(tracks)
}

func TestFile_OnlyConfiguredKinds(t *testing.T) {
	src := NewFile(writeIVF(t, "VP80", 1), "")
	tracks, err := src.Acquire(context.Background(), core.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer stopAll(tracks)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo}, kinds(tracks))

	_, err = src.Acquire(context.Background(), core.Constraints{Audio: true})
	assert.ErrorIs(t, err, ErrNoTracks)
}

func TestFile_Errors(t *testing.T) {
	_, err := NewFile(filepath.Join(t.TempDir(), "missing.ivf"), "").Acquire(context.Background(), core.Constraints{Video: true})
	assert.ErrorIs(t, err, domain.ErrDevice)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = NewFile(writeIVF(t, "H264", 1), "").Acquire(context.Background(), core.Constraints{Video: true})
	assert.ErrorIs(t, err, domain.ErrDevice)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestIVFMime(t *testing.T) {
	for fourcc, want := range map[string]string{
		"VP80": webrtc.MimeTypeVP8,
		"VP90": webrtc.MimeTypeVP9,
		"AV01": webrtc.MimeTypeAV1,
	} {
		got, err := ivfMime(fourcc)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

type chanSource struct{ ch chan *rtp.Packet }

func (s *chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-s.ch
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

func TestRecorder_WritesOggForOpus(t *testing.T) {
	rec, err := NewRecorder(filepath.Join(t.TempDir(), "rec"))
	require.NoError(t, err)
	rec.now = func() time.Time { return time.Unix(0, 42) }

	src := &chanSource{ch: make(chan *rtp.Packet)}
	rt := appmedia.NewRemoteTrack("peer/audio", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, src)
	path, err := rec.Attach(rt)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rec.Dir, "peer_audio-42.ogg"), path)
	assert.Equal(t, 1, rt.SinkCount())

	rt.Start(t.Context())
	for i := 0; i < 3; i++ {
		src.ch <- &rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32(i * 960)}, Payload: opusSilence}
	}
	close(src.ch)
	select {
	case <-rt.Done():
	case <-time.After(time.Second):
		t.Fatal("relay did not stop at end of source")
	}
	assert.EqualValues(t, 3, rt.Packets())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "OggS", string(data[:4]))
}

func TestRecorder_IVFAndUnsupported(t *testing.T) {
	rec, err := NewRecorder(t.TempDir())
	require.NoError(t, err)

	video := appmedia.NewRemoteTrack("v", webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, &chanSource{ch: make(chan *rtp.Packet)})
	path, err := rec.Attach(video)
	require.NoError(t, err)
	video.Stop()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "DKIF", string(data[:4]))

	h264 := appmedia.NewRemoteTrack("h", webrtc.RTPCodecTypeVideo, webrtc.MimeTypeH264, &chanSource{ch: make(chan *rtp.Packet)})
	_, err = rec.Attach(h264)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestDevices_StubOrReal(t *testing.T) {
	d, err := NewDevices()
	require.NoError(t, err)
	me := &webrtc.MediaEngine{}
	require.NoError(t, d.ConfigureMedia(me))
}
