//go:build windows && amd64

package bindings

// RegisterName mirrors WHV_REGISTER_NAME.
type RegisterName uint32

const (
	RegisterRax    RegisterName = 0x00000000
	RegisterRcx    RegisterName = 0x00000001
	RegisterRdx    RegisterName = 0x00000002
	RegisterRbx    RegisterName = 0x00000003
	RegisterRsp    RegisterName = 0x00000004
	RegisterRbp    RegisterName = 0x00000005
	RegisterRsi    RegisterName = 0x00000006
	RegisterRdi    RegisterName = 0x00000007
	RegisterR8     RegisterName = 0x00000008
	RegisterR9     RegisterName = 0x00000009
	RegisterR10    RegisterName = 0x0000000A
	RegisterR11    RegisterName = 0x0000000B
	RegisterR12    RegisterName = 0x0000000C
	RegisterR13    RegisterName = 0x0000000D
	RegisterR14    RegisterName = 0x0000000E
	RegisterR15    RegisterName = 0x0000000F
	RegisterRip    RegisterName = 0x00000010
	RegisterRflags RegisterName = 0x00000011

	RegisterEs RegisterName = 0x00000012
	RegisterCs RegisterName = 0x00000013
	RegisterSs RegisterName = 0x00000014
	RegisterDs RegisterName = 0x00000015
	RegisterFs RegisterName = 0x00000016
	RegisterGs RegisterName = 0x00000017
	RegisterTr RegisterName = 0x00000019

	RegisterCr0 RegisterName = 0x0000001C
	RegisterCr2 RegisterName = 0x0000001D
	RegisterCr3 RegisterName = 0x0000001E
	RegisterCr4 RegisterName = 0x0000001F

	RegisterDr0 RegisterName = 0x00000021
	RegisterDr1 RegisterName = 0x00000022
	RegisterDr2 RegisterName = 0x00000023
	RegisterDr3 RegisterName = 0x00000024
	RegisterDr6 RegisterName = 0x00000025
	RegisterDr7 RegisterName = 0x00000026

	RegisterEfer RegisterName = 0x00002001
)

// DebugAddressRegisters are DR0 through DR3 in slot order.
var DebugAddressRegisters = [4]RegisterName{RegisterDr0, RegisterDr1, RegisterDr2, RegisterDr3}
