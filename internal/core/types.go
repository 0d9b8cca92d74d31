package core

import "fmt"

// PlayerSlot identifies a storage location on a player.
type PlayerSlot uint8

const (
	SlotEmpty     PlayerSlot = 0
	SlotCD        PlayerSlot = 1
	SlotSD        PlayerSlot = 2
	SlotUSB       PlayerSlot = 3
	SlotRekordbox PlayerSlot = 4
)

func (s PlayerSlot) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotCD:
		return "cd"
	case SlotSD:
		return "sd"
	case SlotUSB:
		return "usb"
	case SlotRekordbox:
		return "rekordbox"
	}
	return fmt.Sprintf("slot(%d)", uint8(s))
}

// PlayState is the 32-bit play state reported in cdj status packets.
type PlayState uint32

const (
	PlayStateNoTrack        PlayState = 0x00
	PlayStateLoadingTrack   PlayState = 0x02
	PlayStatePlaying        PlayState = 0x03
	PlayStateLooping        PlayState = 0x04
	PlayStatePaused         PlayState = 0x05 // paused anywhere other than cue point
	PlayStateCued           PlayState = 0x06 // paused at cue point
	PlayStateCueing         PlayState = 0x07 // playing from cue point
	PlayStateCueScratch     PlayState = 0x08 // cue play + touching platter
	PlayStateSeeking        PlayState = 0x09
	PlayStateCannotPlay     PlayState = 0x0e
	PlayStateEndOfTrack     PlayState = 0x11
	PlayStateEmergency      PlayState = 0x12 // emergency mode when losing connection
)

func (p PlayState) String() string {
	switch p {
	case PlayStateNoTrack:
		return "no_track"
	case PlayStateLoadingTrack:
		return "loading_track"
	case PlayStatePlaying:
		return "playing"
	case PlayStateLooping:
		return "looping"
	case PlayStatePaused:
		return "paused"
	case PlayStateCued:
		return "cued"
	case PlayStateCueing:
		return "cueing"
	case PlayStateCueScratch:
		return "cuescratch"
	case PlayStateSeeking:
		return "seeking"
	case PlayStateCannotPlay:
		return "cannot_play_track"
	case PlayStateEndOfTrack:
		return "end_of_track"
	case PlayStateEmergency:
		return "emergency"
	}
	return fmt.Sprintf("play_state(%#x)", uint32(p))
}

// NotReadyForQueries reports whether a player in this state is known to
// have an unresponsive database service. Requests should be deferred, not
// attempted, while a player is in one of these states.
func (p PlayState) NotReadyForQueries() bool {
	switch p {
	case PlayStateNoTrack, PlayStateLoadingTrack, PlayStateCannotPlay, PlayStateEmergency:
		return true
	}
	return false
}

// Beat is one entry of a track's beatgrid.
type Beat struct {
	// Number is the beat within its measure, 1..4.
	Number uint16

	// BPM100 is the tempo at this beat times 100. The tempo may change on
	// any beat.
	BPM100 uint16

	// Time is milliseconds from the start of the track.
	Time uint32
}

// Beatgrid is the ordered beat list of one analyzed track, used to map
// beat counts reported in status packets to absolute track time.
type Beatgrid []Beat

// CuePointKind distinguishes plain cues from loops.
type CuePointKind uint8

const (
	CueSingle CuePointKind = 1
	CueLoop   CuePointKind = 2
)

// CuePoint is one memory cue or hot cue of an analyzed track.
type CuePoint struct {
	Kind CuePointKind

	// Hotcue is the hot cue number, 0 for memory cues.
	Hotcue uint32

	Enabled bool

	// Time is the cue position in ms; End is the loop end in ms for loop
	// cues, 0xffffffff otherwise.
	Time uint32
	End  uint32
}
