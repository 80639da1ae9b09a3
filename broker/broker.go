package broker

import "sync/atomic"

// https://stackoverflow.com/questions/36417199/how-to-broadcast-message-using-channel

type Message interface {
	Name() string
}

type Broker struct {
	subCount  int64  // needs 64-bit alignment
	dropCount uint64 // needs 64-bit alignment

	bufSize   int
	stopCh    chan struct{}
	doneCh    chan struct{}
	publishCh chan Message
	subCh     chan chan Message
	unsubCh   chan chan Message
}

func NewBroker(bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Broker{
		bufSize:   bufSize,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		publishCh: make(chan Message, 1),
		// unbuffered so (un)subscribing is ordered with respect to later publishes
		subCh:   make(chan chan Message),
		unsubCh: make(chan chan Message),
	}
}

func (b *Broker) Start() {
	defer close(b.doneCh)

	subs := map[chan Message]struct{}{}
	for {
		select {
		case <-b.stopCh:
			for msgCh := range subs {
				close(msgCh)
			}
			atomic.StoreInt64(&b.subCount, 0)
			return
		case msgCh := <-b.subCh:
			subs[msgCh] = struct{}{}
			atomic.StoreInt64(&b.subCount, int64(len(subs)))
		case msgCh := <-b.unsubCh:
			delete(subs, msgCh)
			atomic.StoreInt64(&b.subCount, int64(len(subs)))
		case msg := <-b.publishCh:
			for msgCh := range subs {
				// msgCh is buffered, use non-blocking send to protect the broker:
				select {
				case msgCh <- msg:
				default:
					atomic.AddUint64(&b.dropCount, 1)
				}
			}
		}
	}
}

// Stop closes every subscriber channel and waits for the broker loop to exit.
func (b *Broker) Stop() {
	select {
	case <-b.stopCh:
	default:
		close(b.stopCh)
	}
	<-b.doneCh
}

// Subscribe returns a closed channel once the broker has stopped.
func (b *Broker) Subscribe() chan Message {
	msgCh := make(chan Message, b.bufSize)
	select {
	case b.subCh <- msgCh:
	case <-b.stopCh:
		close(msgCh)
	}
	return msgCh
}

func (b *Broker) Unsubscribe(msgCh chan Message) {
	select {
	case b.unsubCh <- msgCh:
	case <-b.stopCh:
	}
}

func (b *Broker) Publish(msg Message) {
	select {
	case b.publishCh <- msg:
	case <-b.stopCh:
	}
}

func (b *Broker) SubCount() int {
	return int(atomic.LoadInt64(&b.subCount))
}

func (b *Broker) DropCount() int {
	return int(atomic.LoadUint64(&b.dropCount))
}
