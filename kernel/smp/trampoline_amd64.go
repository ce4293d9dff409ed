package smp

// trampolineCode is the pre-assembled startup stub that secondary processors
// execute in real mode when they receive a startup interrupt targeting the
// trampoline frame. It reads the parameter block at trampolineParamOff,
// enables physical address extensions, loads the shared page directory table,
// switches the processor into 64-bit mode and performs a far jump to the
// entry stub whose address was patched into the parameter block.
//
// The stub was assembled from the following listing (16-bit, origin 0x8000;
// the parameter block lives at 0x8f00):
//
//	cli
//	cld
//	mov  si, 0x8f00
//	lgdt [si+0x18]           ; temporary descriptor table after the params
//	mov  eax, cr4
//	or   al, 0x20            ; physical address extensions
//	mov  cr4, eax
//	mov  eax, [si]           ; page directory table root
//	mov  cr3, eax
//	mov  ecx, 0xc0000080     ; extended feature register
//	rdmsr
//	or   ah, 0x01            ; long mode enable
//	wrmsr
//	mov  eax, cr0
//	or   eax, 0x80000001     ; paging + protection
//	mov  cr0, eax
//	jmp  far dword [si+0x10] ; 64-bit entry stub from the parameter block
var trampolineCode = []byte{
	0xfa,             // cli
	0xfc,             // cld
	0xbe, 0x00, 0x8f, // mov si, 0x8f00
	0x0f, 0x01, 0x54, 0x18, // lgdt [si+0x18]
	0x0f, 0x20, 0xe0, // mov eax, cr4
	0x0c, 0x20, // or al, 0x20
	0x0f, 0x22, 0xe0, // mov cr4, eax
	0x66, 0x8b, 0x04, // mov eax, [si]
	0x0f, 0x22, 0xd8, // mov cr3, eax
	0x66, 0xb9, 0x80, 0x00, 0x00, 0xc0, // mov ecx, 0xc0000080
	0x0f, 0x32, // rdmsr
	0x80, 0xcc, 0x01, // or ah, 0x01
	0x0f, 0x30, // wrmsr
	0x0f, 0x20, 0xc0, // mov eax, cr0
	0x66, 0x0d, 0x01, 0x00, 0x00, 0x80, // or eax, 0x80000001
	0x0f, 0x22, 0xc0, // mov cr0, eax
	0x66, 0xff, 0x6c, 0x10, // jmp far dword [si+0x10]
}

// secondaryEntryAddr returns the address of the 64-bit entry stub that the
// trampoline jumps to. The stub switches to the stack published in the
// parameter block and calls secondaryEntry with the processor index.
func secondaryEntryAddr() uintptr
