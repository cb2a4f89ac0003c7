package server

//Handler turns received bytes into a reply.
//Handle appends the reply to dst and returns the extended slice, an empty reply sends nothing.
//in is only valid during the call. A returned slice not backed by dst is copied before it is sent.
type Handler interface {
	Handle(dst, in []byte) []byte
}

type HandlerFunc func(dst, in []byte) []byte

func (f HandlerFunc) Handle(dst, in []byte) []byte {
	return f(dst, in)
}

//Echo replies with the received bytes unchanged.
type Echo struct{}

func (Echo) Handle(dst, in []byte) []byte {
	return append(dst, in...)
}
