package connect

import (
	"fmt"
	"sync"
	"time"
)

type rttSample struct {
	receiveTime time.Time
	rtt         time.Duration
}

// RttWindow keeps the last `windowSize` ack round trips younger than `windowTimeout`.
// Samples are recorded in receive order.
type RttWindow struct {
	windowTimeout time.Duration

	stateLock sync.Mutex
	samples   []rttSample
	// index of the oldest sample
	tailIndex int
	count     int
	netRtt    time.Duration
}

func NewRttWindow(windowSize int, windowTimeout time.Duration) *RttWindow {
	if windowSize <= 0 {
		panic(fmt.Errorf("Window size must be positive: %d", windowSize))
	}
	return &RttWindow{
		windowTimeout: windowTimeout,
		samples:       make([]rttSample, windowSize),
	}
}

// must be called with the state lock
func (self *RttWindow) removeTail() {
	self.netRtt -= self.samples[self.tailIndex].rtt
	self.samples[self.tailIndex] = rttSample{}
	self.tailIndex = (self.tailIndex + 1) % len(self.samples)
	self.count -= 1
}

// must be called with the state lock
func (self *RttWindow) expire(windowTime time.Time) {
	windowStartTime := windowTime.Add(-self.windowTimeout)
	for 0 < self.count && self.samples[self.tailIndex].receiveTime.Before(windowStartTime) {
		self.removeTail()
	}
}

// Record adds the round trip of one frame. Samples that end before they start are ignored.
func (self *RttWindow) Record(sendTime time.Time, receiveTime time.Time) {
	if receiveTime.Before(sendTime) {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.expire(receiveTime)
	if self.count == len(self.samples) {
		self.removeTail()
	}
	rtt := receiveTime.Sub(sendTime)
	self.samples[(self.tailIndex+self.count)%len(self.samples)] = rttSample{
		receiveTime: receiveTime,
		rtt:         rtt,
	}
	self.count += 1
	self.netRtt += rtt
}

func (self *RttWindow) MeanRtt() time.Duration {
	return self.meanRtt(time.Now())
}

func (self *RttWindow) meanRtt(windowTime time.Time) time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.expire(windowTime)
	if self.count == 0 {
		return 0
	}
	return self.netRtt / time.Duration(self.count)
}

func (self *RttWindow) MinRtt() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.expire(time.Now())
	var minRtt time.Duration
	for i := 0; i < self.count; i += 1 {
		rtt := self.samples[(self.tailIndex+i)%len(self.samples)].rtt
		if i == 0 || rtt < minRtt {
			minRtt = rtt
		}
	}
	return minRtt
}
