package connect

import (
	"container/heap"
	"sync"
	"time"
)

type SendWindowSettings struct {
	// frames sent but not yet acked before the window closes
	MaxUnackedCount int
	// 0 means no byte limit
	MaxUnackedByteCount ByteCount

	RttWindowSize    int
	RttWindowTimeout time.Duration
}

func DefaultSendWindowSettings() *SendWindowSettings {
	return &SendWindowSettings{
		MaxUnackedCount:     2,
		MaxUnackedByteCount: 0,
		RttWindowSize:       32,
		RttWindowTimeout:    30 * time.Second,
	}
}

type sendWindowItem struct {
	sequenceNumber uint64
	byteCount      ByteCount
	sendTime       time.Time

	// the index of the item in the heap
	heapIndex int
}

// SendWindow tracks sent frames until the peer acks them.
// Acks are cumulative: an ack for `n` acks every frame up to and including `n`.
type SendWindow struct {
	settings *SendWindowSettings

	stateLock sync.Mutex
	// ordered by sequence number ascending
	orderedItems        []*sendWindowItem
	sequenceNumberItems map[uint64]*sendWindowItem
	byteCount           ByteCount

	rtts *RttWindow
}

func NewSendWindowWithDefaults() *SendWindow {
	return NewSendWindow(DefaultSendWindowSettings())
}

func NewSendWindow(settings *SendWindowSettings) *SendWindow {
	sendWindow := &SendWindow{
		settings:            settings,
		orderedItems:        []*sendWindowItem{},
		sequenceNumberItems: map[uint64]*sendWindowItem{},
		byteCount:           0,
		rtts:                NewRttWindow(settings.RttWindowSize, settings.RttWindowTimeout),
	}
	heap.Init(sendWindow)
	return sendWindow
}

func (self *SendWindow) Add(sequenceNumber uint64, byteCount ByteCount) {
	self.add(sequenceNumber, byteCount, time.Now())
}

func (self *SendWindow) add(sequenceNumber uint64, byteCount ByteCount, sendTime time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.sequenceNumberItems[sequenceNumber]; ok {
		return
	}
	item := &sendWindowItem{
		sequenceNumber: sequenceNumber,
		byteCount:      byteCount,
		sendTime:       sendTime,
	}
	self.sequenceNumberItems[sequenceNumber] = item
	heap.Push(self, item)
	self.byteCount += byteCount
}

// Ack removes all frames up to and including `sequenceNumber` and returns the number
// removed. Acks are cumulative, so an ack for a frame not in the window still removes
// the older frames. Only an ack for a frame in the window records a round trip.
func (self *SendWindow) Ack(sequenceNumber uint64) int {
	return self.ack(sequenceNumber, time.Now())
}

func (self *SendWindow) ack(sequenceNumber uint64, receiveTime time.Time) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if item, ok := self.sequenceNumberItems[sequenceNumber]; ok {
		self.rtts.Record(item.sendTime, receiveTime)
	}

	n := 0
	for 0 < len(self.orderedItems) && self.orderedItems[0].sequenceNumber <= sequenceNumber {
		item := heap.Remove(self, 0).(*sendWindowItem)
		delete(self.sequenceNumberItems, item.sequenceNumber)
		self.byteCount -= item.byteCount
		n += 1
	}
	return n
}

func (self *SendWindow) IsOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.settings.MaxUnackedCount <= len(self.orderedItems) {
		return false
	}
	if 0 < self.settings.MaxUnackedByteCount && self.settings.MaxUnackedByteCount <= self.byteCount {
		return false
	}
	return true
}

func (self *SendWindow) Size() (int, ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems), self.byteCount
}

// the oldest unacked sequence number
func (self *SendWindow) PeekFirst() (uint64, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return 0, false
	}
	return self.orderedItems[0].sequenceNumber, true
}

// Clear forgets all unacked frames. Used when the peer resynchronizes.
func (self *SendWindow) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.orderedItems = []*sendWindowItem{}
	self.sequenceNumberItems = map[uint64]*sendWindowItem{}
	self.byteCount = 0
}

// mean time from send to ack over the recent window
func (self *SendWindow) MeanAckRtt() time.Duration {
	return self.rtts.MeanRtt()
}

func (self *SendWindow) MinAckRtt() time.Duration {
	return self.rtts.MinRtt()
}

// heap.Interface

func (self *SendWindow) Push(x any) {
	item := x.(*sendWindowItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *SendWindow) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *SendWindow) Len() int {
	return len(self.orderedItems)
}

func (self *SendWindow) Less(i int, j int) bool {
	return self.orderedItems[i].sequenceNumber < self.orderedItems[j].sequenceNumber
}

func (self *SendWindow) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
