// Package eventbus 进程内事件总线
//
// 按事件类型分发，订阅方各自持有带缓冲的通道，缓冲区满时丢弃事件。
//
//	sub, _ := eventbus.Subscribe[dht.ValueChange](bus)
//	defer sub.Close()
//	for evt := range sub.Out() {
//	    // ...
//	}
//
//	em, _ := eventbus.NewEmitter[dht.ValueChange](bus)
//	em.Emit(dht.ValueChange{...})
//
// 有状态发射器（Stateful）保留最后一个事件，新订阅方立即收到。
package eventbus
