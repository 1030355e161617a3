// Package overlay 是 overlay 节点的入口
//
// Node 用 Fx 组装各子系统并对外提供 DHT 记录接口：
//
//   - 身份与加密系统（identity, pkg/lib/crypto）
//   - 地址过滤、连接表与连接管理（addrfilter, connmgr）
//   - 信封收发、发送路径与中继（network）
//   - RPC 与路由操作（rpc）
//   - 扇出（fanout）与 DHT 引擎（dht）
//   - 表存储（storage）
//
// 使用示例：
//
//	node, err := overlay.New(overlay.WithConfigFile("overlay.json"))
//	if err != nil {
//	    return err
//	}
//	if err := node.Start(ctx); err != nil {
//	    return err
//	}
//	defer node.Close()
//
//	sch, _ := overlay.NewDFLTSchema(2)
//	info, _ := node.CreateRecord(types.CryptoKindVLD0, sch, nil, types.SafetySelection{})
//	_, _ = node.SetValue(ctx, info.Key, 0, []byte("hello"), nil)
//
//	sub, _ := node.SubscribeValueChanges(16)
//	for change := range sub.Out() {
//	    fmt.Println(change.Key, change.Subkeys)
//	}
package overlay
