// Package transport 低层协议连接管理
//
// 协议集合固定为：
//
//   - UDP：无连接，不进入连接表
//   - TCP：uvarint 长度前缀分帧
//   - WS / WSS：每条二进制消息一个信封，低层协议是 TCP
//
// Manager 负责监听、拨号与 UDP 收发。入站连接通过 AcceptFunc 交给连接管理器，
// UDP 数据报通过 DatagramFunc 交给信封接收器。监听与出站都启用端口复用，
// PreferredLocalAddress 给出出站时应绑定的本地地址。
//
// # Fx 模块集成
//
//	app := fx.New(
//	    transport.Module(),
//	    fx.Invoke(func(m *transport.Manager) {
//	        m.SetHandlers(onAccept, onDatagram)
//	    }),
//	)
package transport
