// Package ws предоставляет WebSocket шлюз, который связывает один контроллер
// со многими WebSocket узлами, одновременно как клиент и как сервер:
//   - Исходящие клиентские соединения с идентификатором, заданным вызывающим
//   - Один сервер, принимающий входящие узлы (идентификатор = удалённый адрес)
//   - Корреляционные данные из connect/bind в каждом уведомлении соединения
//   - Адресная отправка и broadcast с разрешением получателей "всё или ничего"
//   - TLS конфигурация из хранилищ ключей и доверия PKCS#12, JKS или PEM
//
// # Команды
//
//	gw := ws.New(ws.DefaultConfig(), notifier)
//
//	gw.Connect(ws.ConnectRequest{ID: "feed", URI: "wss://example.com/feed", CorrData: corr})
//	gw.Send(ws.SendRequest{ID: "feed", Message: "hello"})
//	gw.Close("feed")
//
//	gw.Bind(ws.BindRequest{Host: "0.0.0.0", Port: 9090, CorrData: corr})
//	gw.Broadcast(ws.BroadcastRequest{Message: "tick"})
//	gw.Broadcast(ws.BroadcastRequest{Message: "hi", IDs: []string{"10.0.0.7:51234"}})
//	gw.Stop(ctx)
//
// Команды возвращаются синхронно. Ошибки самого запроса оборачивают
// ErrInvalidURI, ErrTLSConfig, ErrNotFound или ErrConflict. Всё, что
// происходит на соединении после этого, приходит уведомлениями.
//
// # Уведомления
//
// У каждого соединения свой упорядоченный поток уведомлений:
//
//	onOpen → onMessage* → onError? → onClose
//
// Сервер дополнительно отправляет onStart, когда начинает слушать порт, и
// onError со своим адресом в качестве id, если ошибку нельзя отнести к узлу.
// Потоки разных соединений доставляются конкурентно.
//
// Сообщение, отправленное клиентскому соединению до onOpen, ставится в очередь
// и записывается после завершения handshake. Если очередь переполнена, после
// onOpen приходят onError и onClose с кодом 1013.
package ws
