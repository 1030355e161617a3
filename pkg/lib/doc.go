// Package lib 包含基础设施工具库
//
// 本目录包含与架构组件无关的通用工具库：
//
//   - crypto: 加密系统（VLD0）、密钥库、距离度量
//   - codec: CBOR 编解码
//   - log: 日志封装
//
// # 与 pkg/ 其他目录的关系
//
//   - types/: 公共类型定义（键、Flow、DialInfo、PeerInfo、记录值）
//   - lib/: 基础设施工具库（本目录）
//
// # 使用示例
//
//	import (
//	    "github.com/dep2p/go-overlay/pkg/lib/crypto"
//	    "github.com/dep2p/go-overlay/pkg/lib/log"
//	)
package lib
