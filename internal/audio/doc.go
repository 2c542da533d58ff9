// Package audio holds the audio chunk type, the playout queue that absorbs network
// jitter in front of the playback clock, and WAV recording of played audio.
package audio
